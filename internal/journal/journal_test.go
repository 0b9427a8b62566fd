package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"falconlink/pkg/models"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openJournal(t *testing.T) *Journal {
	t.Helper()
	log, _ := test.NewNullLogger()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func object(id int, typ models.ObjectType, zone models.Zone, at time.Time) models.DetectedObject {
	return models.DetectedObject{ID: id, Type: typ, X: 10.5, Y: 20.25, Zone: zone, Timestamp: at}
}

func TestDetectionsAreFiltered(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, j.RecordDetections(ctx,
		object(1, models.ObjectBird, models.ZoneRunwayA, base),
		object(2, models.ObjectFOD, models.ZoneTaxiwayB, base.Add(time.Minute)),
		object(3, models.ObjectBird, models.ZoneTaxiwayB, base.Add(2*time.Minute)),
	))

	all, err := j.Detections(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 3, all[0].ObjectID)
	assert.Equal(t, "BIRD", all[0].TypeName)
	assert.Equal(t, 20.25, all[0].Y)
	assert.True(t, base.Add(2*time.Minute).Equal(all[0].Timestamp))

	birds := models.ObjectBird
	got, err := j.Detections(ctx, Filter{Type: &birds})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = j.Detections(ctx, Filter{Zone: models.ZoneTaxiwayB, Since: base.Add(90 * time.Second)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].ObjectID)

	got, err = j.Detections(ctx, Filter{Until: base, Limit: 5})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].ObjectID)

	got, err = j.Detections(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRiskHistory(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)

	require.NoError(t, j.RecordRisk(ctx, SubjectBird, models.RiskLow))
	require.NoError(t, j.RecordRisk(ctx, SubjectBird, models.RiskHigh))
	require.NoError(t, j.RecordRisk(ctx, RunwaySubject(models.RunwayB), models.RiskMedium))

	history, err := j.RiskHistory(ctx, SubjectBird, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.RiskHigh, history[0].Level)
	assert.Equal(t, models.RiskLow, history[1].Level)

	history, err = j.RiskHistory(ctx, "runway_B", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.RiskMedium, history[0].Level)
}

func TestRunJournalsEvents(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)

	events := make(chan models.Event, 8)
	events <- models.ObjectDetected{Object: object(7, models.ObjectPerson, models.ZoneRamp, time.Now())}
	events <- models.RunwayRiskChanged{Runway: models.RunwayA, Level: models.RiskHigh}
	events <- models.BirdRiskChanged{Level: models.RiskMedium}
	events <- models.MapResponded{Approved: true}
	close(events)

	j.Run(ctx, events)

	detections, err := j.Detections(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, detections, 1)
	assert.Equal(t, models.ZoneRamp, detections[0].Zone)

	runway, err := j.RiskHistory(ctx, RunwaySubject(models.RunwayA), 1)
	require.NoError(t, err)
	require.Len(t, runway, 1)
	assert.Equal(t, models.RiskHigh, runway[0].Level)

	birds, err := j.RiskHistory(ctx, SubjectBird, 1)
	require.NoError(t, err)
	assert.Len(t, birds, 1)
}

func TestReopenKeepsHistory(t *testing.T) {
	ctx := context.Background()
	log, _ := test.NewNullLogger()
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(path, log)
	require.NoError(t, err)
	require.NoError(t, j.RecordRisk(ctx, SubjectBird, models.RiskHigh))
	require.NoError(t, j.Close())

	j, err = Open(path, log)
	require.NoError(t, err)
	defer j.Close()
	history, err := j.RiskHistory(ctx, SubjectBird, 1)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}
