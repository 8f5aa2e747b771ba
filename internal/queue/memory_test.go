package queue_test

import (
	"testing"

	"github.com/MimeLyc/flashcard-pipeline/internal/queue"
	"github.com/MimeLyc/flashcard-pipeline/internal/queue/queuetest"
)

func TestMemoryStore_Contract(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) queue.Store {
		return queue.NewMemoryStore(3)
	})
}
