package eventbus

import (
	"sync"
	"testing"

	"falconlink/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New(nil)
	first, cancelFirst := b.Subscribe(4)
	defer cancelFirst()
	second, cancelSecond := b.Subscribe(4)
	defer cancelSecond()

	ev := models.BirdRiskChanged{Level: models.RiskHigh}
	require.NoError(t, b.Publish(ev))

	assert.Equal(t, ev, <-first)
	assert.Equal(t, ev, <-second)
	assert.Equal(t, Stats{Published: 1, Subscribers: 2}, b.Stats())
}

func TestFullSubscriberDropsWithoutBlocking(t *testing.T) {
	b := New(nil)
	slow, cancelSlow := b.Subscribe(1)
	defer cancelSlow()
	fast, cancelFast := b.Subscribe(8)
	defer cancelFast()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(models.RunwayRiskChanged{Runway: models.RunwayA, Level: models.RiskLevel(i)}))
	}

	assert.Len(t, slow, 1)
	assert.Len(t, fast, 3)
	assert.Equal(t, uint64(2), b.Stats().Dropped)

	// the oldest event is kept
	got := <-slow
	assert.Equal(t, models.RiskLow, got.(models.RunwayRiskChanged).Level)
}

func TestCancelClosesChannel(t *testing.T) {
	b := New(nil)
	ch, cancel := b.Subscribe(1)

	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, b.Stats().Subscribers)
	assert.NoError(t, b.Publish(models.MapResponded{Approved: true}))
}

func TestCloseEndsEverySubscription(t *testing.T) {
	b := New(nil)
	ch, cancel := b.Subscribe(1)

	b.Close()
	_, ok := <-ch
	assert.False(t, ok)
	assert.NotPanics(t, cancel)

	assert.ErrorIs(t, b.Publish(models.MapResponded{}), ErrBusClosed)

	late, _ := b.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
}

func TestConcurrentPublishAndCancel(t *testing.T) {
	b := New(nil)
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, cancel := b.Subscribe(2)
			for j := 0; j < 50; j++ {
				b.Publish(models.ObjectDetailFailed{Reason: "x"})
			}
			cancel()
			for range ch {
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(400), b.Stats().Published)
}

func frameEvent(seq uint64) models.FrameReceived {
	return models.FrameReceived{Frame: &models.CameraFrame{Camera: models.CameraA, Sequence: seq}}
}

func TestFramesLeaveRoomForOtherEvents(t *testing.T) {
	b := New(nil)
	ch, cancel := b.Subscribe(8)
	defer cancel()

	for i := 0; i < 20; i++ {
		require.NoError(t, b.Publish(frameEvent(uint64(i))))
	}
	assert.Len(t, ch, 6)

	risk := models.RunwayRiskChanged{Runway: models.RunwayA, Level: models.RiskHigh}
	status := models.ConnectionStatusChanged{Channel: models.ChannelControl}
	require.NoError(t, b.Publish(risk))
	require.NoError(t, b.Publish(status))
	assert.Len(t, ch, 8)
	assert.Equal(t, uint64(14), b.Stats().Dropped)

	var got []models.Event
	for len(ch) > 0 {
		got = append(got, <-ch)
	}
	assert.Equal(t, []models.Event{risk, status}, got[6:])
}

func TestWithoutFramesSkipsFrames(t *testing.T) {
	b := New(nil)
	quiet, cancelQuiet := b.Subscribe(2, WithoutFrames())
	defer cancelQuiet()
	all, cancelAll := b.Subscribe(2)
	defer cancelAll()

	require.NoError(t, b.Publish(frameEvent(1)))
	require.NoError(t, b.Publish(models.BirdRiskChanged{Level: models.RiskMedium}))

	assert.Len(t, quiet, 1)
	assert.IsType(t, models.BirdRiskChanged{}, <-quiet)
	assert.Len(t, all, 2)
	assert.Zero(t, b.Stats().Dropped)
}

func TestFrameLimit(t *testing.T) {
	for size, want := range map[int]int{1: 1, 2: 1, 4: 3, 8: 6, 256: 192} {
		assert.Equal(t, want, frameLimit(size), "buffer %d", size)
	}
}
