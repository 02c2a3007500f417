package envconfig

import "testing"

func TestLoadConfig(t *testing.T) {
	t.Setenv("CTRLNET_DEBUG", "1")
	t.Setenv("CTRLNET_NUM_THREADS", "4")
	t.Setenv("CTRLNET_WORLD_SIZE", "2")
	LoadConfig()

	if !Debug {
		t.Error("expected Debug to be set")
	}
	if NumThreads != 4 {
		t.Errorf("expected 4 threads, got %d", NumThreads)
	}
	if WorldSize != 2 {
		t.Errorf("expected world size 2, got %d", WorldSize)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	t.Setenv("CTRLNET_DEBUG", "")
	t.Setenv("CTRLNET_NUM_THREADS", "potato")
	t.Setenv("CTRLNET_WORLD_SIZE", "0")
	LoadConfig()

	if Debug {
		t.Error("expected Debug to be unset")
	}
	if NumThreads != 0 {
		t.Errorf("expected the default thread count, got %d", NumThreads)
	}
	if WorldSize != 1 {
		t.Errorf("expected the default world size, got %d", WorldSize)
	}
}

func TestAsMap(t *testing.T) {
	m := AsMap()
	for _, key := range []string{"CTRLNET_DEBUG", "CTRLNET_NUM_THREADS", "CTRLNET_WORLD_SIZE"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing %s", key)
		}
	}
}
