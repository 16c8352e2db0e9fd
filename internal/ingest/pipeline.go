package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"scadabridge/internal/apperrors"
	"scadabridge/internal/metrics"
	"scadabridge/internal/models"
	"scadabridge/internal/mqtt"
	"scadabridge/internal/utils"

	"github.com/rs/zerolog"
)

const (
	defaultBatchSize = 200
	defaultQueueSize = 4096
	storeTimeout     = 10 * time.Second
)

// PlantResolver maps topic serial codes to plant ids
type PlantResolver interface {
	PlantForSerial(tenantID, serial string) (string, bool)
}

// PointStore persists trend points
type PointStore interface {
	InsertTrendPoints(ctx context.Context, points []models.TrendPoint) error
}

// PointSink receives every parsed point; Submit must not block
type PointSink interface {
	Submit(p models.TrendPoint) bool
}

// Config configures a Pipeline
type Config struct {
	TopicBase      string
	DefaultPlantID string
	BatchSize      int
	FlushInterval  time.Duration
	QueueSize      int
}

// Pipeline parses broker messages into points, hands them to the sink and
// persists them in batches.
type Pipeline struct {
	cfg     Config
	plants  PlantResolver
	store   PointStore
	sink    PointSink
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	points chan models.TrendPoint
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPipeline creates a pipeline. plants, store and sink may be nil.
func NewPipeline(cfg Config, plants PlantResolver, store PointStore, sink PointSink, m *metrics.Metrics) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.DefaultPlantID == "" {
		cfg.DefaultPlantID = "default"
	}
	return &Pipeline{
		cfg:     cfg,
		plants:  plants,
		store:   store,
		sink:    sink,
		metrics: m,
		logger:  utils.Logger("INGEST"),
		now:     time.Now,
		points:  make(chan models.TrendPoint, cfg.QueueSize),
	}
}

// Start runs the batch writer until Stop
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	if p.store == nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.batchWriter(ctx)
	}()
}

// Stop flushes what is queued and waits for the writer
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Parse builds a point from msg. Messages that are not trend topics return
// an ErrInvalidTopic error.
func (p *Pipeline) Parse(msg mqtt.Message) (models.TrendPoint, error) {
	ref, err := ParseTopic(p.cfg.TopicBase, msg.Topic)
	if err != nil {
		return models.TrendPoint{}, err
	}
	reading, err := ParsePayload(msg.Payload.Bytes(), p.now())
	if err != nil {
		return models.TrendPoint{}, err
	}

	point := models.TrendPoint{
		TenantID:  ref.TenantID,
		PlantID:   p.plantID(ref),
		Tag:       ref.Tag,
		Value:     reading.Value,
		Timestamp: reading.Timestamp,
	}
	if reading.TenantID != "" {
		point.TenantID = reading.TenantID
	}
	if reading.PlantID != "" {
		point.PlantID = reading.PlantID
	}
	if reading.Tag != "" {
		point.Tag = reading.Tag
	}
	return point, nil
}

func (p *Pipeline) plantID(ref TopicRef) string {
	if ref.Serial == "" {
		return p.cfg.DefaultPlantID
	}
	if p.plants != nil {
		if id, ok := p.plants.PlantForSerial(ref.TenantID, ref.Serial); ok {
			return id
		}
	}
	return ref.Serial
}

// Handle is the broker message handler. Bad messages are logged and dropped.
func (p *Pipeline) Handle(msg mqtt.Message) {
	point, err := p.Parse(msg)
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidTopic) {
			return
		}
		p.metrics.PointDropped("parse")
		p.logger.Warn().Err(err).Str("topic", msg.Topic).Str("broker", msg.Broker).Msg("Dropping unparseable trend point")
		return
	}
	p.metrics.PointIngested()

	if p.sink != nil {
		p.sink.Submit(point)
	}
	if p.store == nil {
		return
	}
	select {
	case p.points <- point:
	default:
		p.metrics.PointDropped("writer_queue")
		p.logger.Warn().Str("tenant", point.TenantID).Str("tag", point.Tag).Msg("Trend store queue full, dropping point")
	}
}

func (p *Pipeline) batchWriter(ctx context.Context) {
	batch := make([]models.TrendPoint, 0, p.cfg.BatchSize)
	timer := time.NewTimer(p.cfg.FlushInterval)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
		defer cancel()
		if err := p.store.InsertTrendPoints(storeCtx, batch); err != nil {
			p.metrics.PointDropped("storage")
			p.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to store trend batch")
		} else {
			p.metrics.PointsStored(len(batch))
			p.logger.Debug().Int("batch_size", len(batch)).Msg("Stored trend batch")
		}
		batch = make([]models.TrendPoint, 0, p.cfg.BatchSize)
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case pt := <-p.points:
					batch = append(batch, pt)
					if len(batch) >= p.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case pt := <-p.points:
			batch = append(batch, pt)
			if len(batch) >= p.cfg.BatchSize {
				flush()
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(p.cfg.FlushInterval)
			}
		case <-timer.C:
			flush()
			timer.Reset(p.cfg.FlushInterval)
		}
	}
}
