package sync

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldworks/fieldsync/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestPublisherDeliversCurrentOnSubscribe(t *testing.T) {
	p := NewStatusPublisher(testLogger(), models.SyncStatus{PendingOperations: 3})

	var got []models.SyncStatus
	unsub := p.Subscribe(func(s models.SyncStatus) { got = append(got, s) })
	defer unsub()

	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].PendingOperations)
}

func TestPublisherFanOut(t *testing.T) {
	p := NewStatusPublisher(testLogger(), models.SyncStatus{})

	var a, b int
	unsubA := p.Subscribe(func(models.SyncStatus) { a++ })
	defer unsubA()
	unsubB := p.Subscribe(func(models.SyncStatus) { b++ })

	p.Publish(models.SyncStatus{IsSyncing: true})
	assert.Equal(t, 2, a) // initial + publish
	assert.Equal(t, 2, b)
	assert.True(t, p.Current().IsSyncing)

	unsubB()
	p.Publish(models.SyncStatus{})
	assert.Equal(t, 3, a)
	assert.Equal(t, 2, b)
}

func TestPublisherIsolatesPanickingListener(t *testing.T) {
	p := NewStatusPublisher(testLogger(), models.SyncStatus{})

	delivered := 0
	unsub1 := p.Subscribe(func(models.SyncStatus) { panic("listener bug") })
	defer unsub1()
	unsub2 := p.Subscribe(func(models.SyncStatus) { delivered++ })
	defer unsub2()

	require.NotPanics(t, func() {
		p.Publish(models.SyncStatus{PendingOperations: 1})
	})

	// The healthy listener got both the initial and the published status.
	assert.Equal(t, 2, delivered)
	assert.Equal(t, 1, p.Current().PendingOperations)
}
