package history

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/XANi/azen2prom/registry"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	DriverSqlite   = "sqlite"
	DriverPostgres = "postgres"

	defaultBufferSize = 1024
	maxBatch          = 128
)

var ErrUnknownDriver = errors.New("unknown history driver")

// Reading is one state value as received.
type Reading struct {
	ID       uint      `gorm:"primaryKey" json:"-"`
	Serial   string    `gorm:"index:idx_reading_sensor,priority:1;size:64" json:"serial"`
	UniqueID string    `gorm:"index:idx_reading_sensor,priority:2;size:255" json:"unique_id"`
	Value    float64   `json:"value"`
	Time     time.Time `gorm:"index" json:"time"`
}

// SensorRecord is the last known discovery metadata of a sensor.
type SensorRecord struct {
	UniqueID    string `gorm:"primaryKey;size:255"`
	Serial      string `gorm:"index;size:64"`
	Name        string
	StateTopic  string
	Unit        string
	DeviceClass string
	StateClass  string
	ExpireAfter float64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (SensorRecord) TableName() string {
	return "sensors"
}

type Config struct {
	Driver string
	DSN    string
	// BufferSize is how many pending writes are held before new ones are
	// dropped.
	BufferSize int
	Logger     *zap.SugaredLogger
}

type event struct {
	reading *Reading
	sensor  *SensorRecord
}

// Log appends readings to a database in the background. Writers never block;
// when the buffer is full the event is dropped and counted.
type Log struct {
	db      *gorm.DB
	log     *zap.SugaredLogger
	events  chan event
	done    chan struct{}
	dropped atomic.Int64
	written atomic.Int64

	sync.RWMutex
	closed bool
}

func dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case DriverSqlite:
		return sqlite.Open(dsn), nil
	case DriverPostgres:
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

func Open(cfg Config) (*Log, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	d, err := dialector(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(d, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", cfg.Driver, err)
	}
	if cfg.Driver == DriverSqlite {
		// sqlite allows a single writer
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&SensorRecord{}, &Reading{}); err != nil {
		return nil, fmt.Errorf("migrating history tables: %w", err)
	}
	l := &Log{
		db:     db,
		log:    cfg.Logger,
		events: make(chan event, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Listener records sensor metadata on discovery and every state update.
func (l *Log) Listener(serial string) registry.Listener {
	return registry.Listener{
		SensorAdded: func(s *registry.Sensor) {
			l.enqueue(event{sensor: &SensorRecord{
				UniqueID:    s.UniqueID(),
				Serial:      serial,
				Name:        s.Name(),
				StateTopic:  s.StateTopic(),
				Unit:        s.Unit(),
				DeviceClass: string(s.DeviceClass()),
				StateClass:  string(s.StateClass()),
				ExpireAfter: s.ExpireAfter().Seconds(),
			}})
		},
		SensorUpdated: func(s *registry.Sensor) {
			v, ok := s.Value()
			if !ok {
				return
			}
			l.enqueue(event{reading: &Reading{
				Serial:   serial,
				UniqueID: s.UniqueID(),
				Value:    v,
				Time:     s.LastUpdate().UTC(),
			}})
		},
	}
}

func (l *Log) enqueue(ev event) {
	l.RLock()
	defer l.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.events <- ev:
	default:
		if l.dropped.Add(1)%100 == 1 {
			l.log.Warnf("history buffer full, dropped %d events so far", l.dropped.Load())
		}
	}
}

func (l *Log) run() {
	defer close(l.done)
	batch := make([]*Reading, 0, maxBatch)
	for ev := range l.events {
		batch = l.apply(ev, batch)
	drain:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-l.events:
				if !ok {
					break drain
				}
				batch = l.apply(next, batch)
			default:
				break drain
			}
		}
		batch = l.flush(batch)
	}
	l.flush(batch)
}

func (l *Log) apply(ev event, batch []*Reading) []*Reading {
	if ev.reading != nil {
		return append(batch, ev.reading)
	}
	if ev.sensor != nil {
		// readings queued before this sensor change go first
		batch = l.flush(batch)
		err := l.db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "unique_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"serial", "name", "state_topic", "unit", "device_class", "state_class", "expire_after", "updated_at",
			}),
		}).Create(ev.sensor).Error
		if err != nil {
			l.log.Errorf("error saving sensor %s: %s", ev.sensor.UniqueID, err)
		}
	}
	return batch
}

func (l *Log) flush(batch []*Reading) []*Reading {
	if len(batch) == 0 {
		return batch
	}
	if err := l.db.CreateInBatches(batch, maxBatch).Error; err != nil {
		l.log.Errorf("error saving %d readings: %s", len(batch), err)
	} else {
		l.written.Add(int64(len(batch)))
	}
	return batch[:0]
}

// Readings returns the newest readings of a sensor, newest first.
func (l *Log) Readings(uniqueID string, limit int) ([]Reading, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Reading
	err := l.db.Where("unique_id = ?", uniqueID).Order("time desc").Order("id desc").Limit(limit).Find(&out).Error
	return out, err
}

func (l *Log) Sensors() ([]SensorRecord, error) {
	var out []SensorRecord
	err := l.db.Order("created_at").Find(&out).Error
	return out, err
}

// Dropped is the number of events lost to a full buffer.
func (l *Log) Dropped() int64 {
	return l.dropped.Load()
}

func (l *Log) Written() int64 {
	return l.written.Load()
}

// Close flushes pending events and closes the database.
func (l *Log) Close() error {
	l.Lock()
	if l.closed {
		l.Unlock()
		return nil
	}
	l.closed = true
	close(l.events)
	l.Unlock()
	<-l.done
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
