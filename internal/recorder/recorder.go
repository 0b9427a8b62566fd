// Package recorder archives camera stills and object-detail images to storage.
package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"falconlink/internal/metrics"
	"falconlink/internal/storage"
	"falconlink/internal/streammanager"
	"falconlink/pkg/models"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

var (
	ErrAlreadyRecording = errors.New("camera already recording")
	ErrNotRecording     = errors.New("camera not recording")
	ErrStillNotFound    = errors.New("still not found")
)

const indexFile = "index.json"

// Options configures a Recorder. Zero values get defaults.
type Options struct {
	Interval  time.Duration // at most one still per camera per interval
	MaxStills int           // sliding window per camera
	Clock     clock.WithTicker
}

// Recorder keeps a sliding window of stills per camera
type Recorder struct {
	storage storage.Storage
	streams *streammanager.Manager
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	clock   clock.WithTicker

	interval  time.Duration
	maxStills int

	archives map[models.CameraID]*archive
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

// New creates a recorder. m may be nil.
func New(store storage.Storage, streams *streammanager.Manager, opts Options, log logrus.FieldLogger, m *metrics.Metrics) *Recorder {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.MaxStills <= 0 {
		opts.MaxStills = 20
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Recorder{
		storage:   store,
		streams:   streams,
		log:       log.WithField("component", "recorder"),
		metrics:   m,
		clock:     opts.Clock,
		interval:  opts.Interval,
		maxStills: opts.MaxStills,
		archives:  make(map[models.CameraID]*archive),
	}
}

// StartRecording subscribes to a camera's frames and archives the latest one
// every interval. An index left by a previous run is picked up again.
func (r *Recorder) StartRecording(ctx context.Context, camera models.CameraID) error {
	if _, ok := r.streams.GetStream(camera); !ok {
		return errors.Wrapf(streammanager.ErrUnknownCamera, "%q", camera)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.archives[camera]; exists {
		return errors.Wrapf(ErrAlreadyRecording, "%q", camera)
	}

	a := &archive{
		camera:   camera,
		recorder: r,
		index:    r.loadIndex(ctx, camera),
		log:      r.log.WithField("camera", camera),
	}
	frames, cleanup := r.streams.Subscribe(camera, 16)
	a.cleanup = cleanup
	r.archives[camera] = a

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		a.run(frames)
	}()

	a.log.WithField("interval", r.interval).Info("Started recording")
	return nil
}

// StopRecording stops archiving camera. The last pending frame is flushed.
func (r *Recorder) StopRecording(camera models.CameraID) error {
	r.mu.Lock()
	a, exists := r.archives[camera]
	delete(r.archives, camera)
	r.mu.Unlock()

	if !exists {
		return errors.Wrapf(ErrNotRecording, "%q", camera)
	}
	a.cleanup()
	a.log.Info("Stopped recording")
	return nil
}

// IsRecording reports whether camera has an active archive
func (r *Recorder) IsRecording(camera models.CameraID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.archives[camera]
	return exists
}

// Stop stops every camera and waits for pending writes
func (r *Recorder) Stop() {
	r.mu.Lock()
	archives := r.archives
	r.archives = make(map[models.CameraID]*archive)
	r.mu.Unlock()

	for _, a := range archives {
		a.cleanup()
	}
	r.wg.Wait()
}

// Index returns a copy of camera's still index
func (r *Recorder) Index(camera models.CameraID) (models.StillIndex, error) {
	r.mu.RLock()
	a, exists := r.archives[camera]
	r.mu.RUnlock()
	if !exists {
		return models.StillIndex{}, errors.Wrapf(ErrNotRecording, "%q", camera)
	}
	return a.snapshot(), nil
}

// GetStill opens a still listed in camera's index
func (r *Recorder) GetStill(ctx context.Context, camera models.CameraID, name string) (io.ReadSeeker, error) {
	index, err := r.Index(camera)
	if err != nil {
		return nil, err
	}
	for _, still := range index.Stills {
		if path.Base(still.Path) == name {
			return r.storage.Open(ctx, still.Path)
		}
	}
	return nil, errors.Wrapf(ErrStillNotFound, "%s/%s", camera, name)
}

// SaveObjectImage archives the image attached to an object detail response
// and returns its storage path
func (r *Recorder) SaveObjectImage(ctx context.Context, obj models.DetectedObject) (string, error) {
	if len(obj.Image) == 0 {
		return "", errors.Errorf("object %d has no image", obj.ID)
	}

	ext := ".jpg"
	if bytes.HasPrefix(obj.Image, []byte("\x89PNG")) {
		ext = ".png"
	}
	p := fmt.Sprintf("objects/%d_%d%s", obj.ID, r.clock.Now().UnixMilli(), ext)
	if err := r.storage.Write(ctx, p, obj.Image); err != nil {
		return "", errors.Wrapf(err, "save image for object %d", obj.ID)
	}
	r.metrics.RecordStill(int64(len(obj.Image)))
	r.log.WithFields(logrus.Fields{"object": obj.ID, "path": p}).Info("Saved object image")
	return p, nil
}

// Run archives object-detail images from events until ctx is done or the
// channel closes
func (r *Recorder) Run(ctx context.Context, events <-chan models.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			detail, isDetail := ev.(models.ObjectDetailReceived)
			if !isDetail || len(detail.Object.Image) == 0 {
				continue
			}
			if _, err := r.SaveObjectImage(ctx, detail.Object); err != nil {
				r.log.WithError(err).Error("Failed to archive object image")
			}
		}
	}
}

func (r *Recorder) loadIndex(ctx context.Context, camera models.CameraID) *models.StillIndex {
	index := &models.StillIndex{Camera: camera, MaxStills: r.maxStills}

	data, err := r.storage.Read(ctx, path.Join(string(camera), indexFile))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.log.WithError(err).WithField("camera", camera).Warn("Cannot read previous index, starting empty")
		}
		return index
	}
	if err := json.Unmarshal(data, index); err != nil {
		r.log.WithError(err).WithField("camera", camera).Warn("Corrupt index, starting empty")
		return &models.StillIndex{Camera: camera, MaxStills: r.maxStills}
	}
	index.MaxStills = r.maxStills
	return index
}

// archive manages the still window of one camera
type archive struct {
	camera   models.CameraID
	recorder *Recorder
	index    *models.StillIndex
	cleanup  func()
	log      logrus.FieldLogger
	mu       sync.RWMutex

	pending   *models.CameraFrame
	lastSaved time.Time
}

// run keeps the newest frame and writes it on every tick
func (a *archive) run(frames <-chan *models.CameraFrame) {
	ticker := a.recorder.clock.NewTicker(a.recorder.interval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				a.flush()
				return
			}
			a.pending = frame

		case <-ticker.C():
			a.flush()
		}
	}
}

func (a *archive) flush() {
	frame := a.pending
	if frame == nil {
		return
	}
	a.pending = nil

	ctx := context.Background()
	store := a.recorder.storage

	capturedAt := frame.ReceivedAt
	if capturedAt.IsZero() || !capturedAt.After(a.lastSaved) {
		capturedAt = a.recorder.clock.Now()
	}
	a.lastSaved = capturedAt

	p := path.Join(string(a.camera), fmt.Sprintf("still_%d%s", capturedAt.UnixNano(), frame.Extension()))
	if err := store.Write(ctx, p, frame.Encoded); err != nil {
		a.log.WithError(err).Error("Failed to write still")
		return
	}
	a.recorder.metrics.RecordStill(int64(len(frame.Encoded)))

	still := &models.Still{
		Camera:     a.camera,
		Sequence:   frame.Sequence,
		Path:       p,
		Size:       int64(len(frame.Encoded)),
		Width:      frame.Width,
		Height:     frame.Height,
		CapturedAt: capturedAt,
	}

	a.mu.Lock()
	evicted := a.index.Add(still)
	data, err := json.MarshalIndent(a.index, "", "  ")
	a.mu.Unlock()

	for _, old := range evicted {
		if err := store.Delete(ctx, old.Path); err != nil {
			a.log.WithError(err).WithField("path", old.Path).Warn("Failed to delete old still")
			continue
		}
		a.recorder.metrics.RecordStillDeleted(old.Size)
	}

	if err != nil {
		a.log.WithError(err).Error("Failed to encode index")
		return
	}
	if err := store.Write(ctx, path.Join(string(a.camera), indexFile), data); err != nil {
		a.log.WithError(err).Error("Failed to write index")
		return
	}

	a.log.WithFields(logrus.Fields{
		"sequence": frame.Sequence,
		"size_kb":  fmt.Sprintf("%.2f", float64(still.Size)/1024),
	}).Debug("Archived still")
}

func (a *archive) snapshot() models.StillIndex {
	a.mu.RLock()
	defer a.mu.RUnlock()

	index := *a.index
	index.Stills = make([]*models.Still, len(a.index.Stills))
	for i, still := range a.index.Stills {
		s := *still
		index.Stills[i] = &s
	}
	return index
}
