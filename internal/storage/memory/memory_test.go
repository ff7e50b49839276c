package memory_test

import (
	"testing"

	"pkt.systems/resvd/internal/storage"
	"pkt.systems/resvd/internal/storage/memory"
	"pkt.systems/resvd/internal/storage/storagetest"
)

func TestMemoryBackendContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return memory.New()
	})
}
