package ha

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrLockHeld is returned when another run holds the lock.
var ErrLockHeld = errors.New("sync run lock is held by another run")

// RunLocker serializes sync runs. TryWithLock never waits for the lock:
// when it is taken, it returns ErrLockHeld without calling fn.
type RunLocker interface {
	TryWithLock(ctx context.Context, fn func(ctx context.Context) error) error
}

// NewRunLocker creates a RunLocker appropriate for the database dialect.
// PostgreSQL uses a session advisory lock; other databases use a lock table
// that is created immediately.
func NewRunLocker(db *gorm.DB, cfg LockConfig) (RunLocker, error) {
	cfg = cfg.withDefaults()
	if db == nil {
		return NewLocalLocker(), nil
	}
	if db.Dialector.Name() == "postgres" {
		return &pgAdvisoryLock{
			db:     db,
			lockID: int64(crc32.ChecksumIEEE([]byte(cfg.Key))),
		}, nil
	}
	if err := db.AutoMigrate(&runLockRecord{}); err != nil {
		return nil, fmt.Errorf("create run lock table: %w", err)
	}
	return &tableLock{db: db, cfg: cfg}, nil
}

// localLock is a process-local lock, used when no database is configured.
type localLock struct {
	sem chan struct{}
}

// NewLocalLocker returns a RunLocker that only excludes runs in this process.
func NewLocalLocker() RunLocker {
	return &localLock{sem: make(chan struct{}, 1)}
}

func (l *localLock) TryWithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case l.sem <- struct{}{}:
	default:
		return ErrLockHeld
	}
	defer func() { <-l.sem }()
	return fn(ctx)
}

// pgAdvisoryLock holds a PostgreSQL session advisory lock on a dedicated
// connection so lock and unlock run in the same session.
type pgAdvisoryLock struct {
	db     *gorm.DB
	lockID int64
}

func (l *pgAdvisoryLock) TryWithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("reserve lock connection: %w", err)
	}
	defer conn.Close()

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		return fmt.Errorf("acquire run advisory lock: %w", err)
	}
	if !acquired {
		return ErrLockHeld
	}

	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", l.lockID)
	}()

	return fn(ctx)
}

// runLockRecord is the table-based lock row for non-PostgreSQL databases.
type runLockRecord struct {
	ID       string    `gorm:"primaryKey;column:id;size:191"`
	Token    string    `gorm:"column:token;size:64"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

func (runLockRecord) TableName() string { return "sync_run_lock" }

// tableLock uses INSERT-or-fail on a keyed row. The holder refreshes
// locked_at while it runs; a row older than StaleAfter belongs to a crashed
// holder and is removed before the insert.
type tableLock struct {
	db  *gorm.DB
	cfg LockConfig
}

func (l *tableLock) TryWithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db := l.db.WithContext(ctx)

	now := time.Now().UTC()
	if err := db.Where("id = ? AND locked_at < ?", l.cfg.Key, now.Add(-l.cfg.StaleAfter)).Delete(&runLockRecord{}).Error; err != nil {
		return fmt.Errorf("clear stale run lock: %w", err)
	}

	row := runLockRecord{ID: l.cfg.Key, Token: uuid.NewString(), LockedAt: now, LockedBy: l.cfg.Identity}
	if err := db.Create(&row).Error; err != nil {
		var n int64
		if cerr := db.Model(&runLockRecord{}).Where("id = ?", l.cfg.Key).Count(&n).Error; cerr == nil && n > 0 {
			return ErrLockHeld
		}
		return fmt.Errorf("acquire run lock: %w", err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.heartbeat(row, stop, done)

	defer func() {
		close(stop)
		<-done
		res := l.db.WithContext(context.WithoutCancel(ctx)).
			Where("id = ? AND token = ?", row.ID, row.Token).
			Delete(&runLockRecord{})
		switch {
		case res.Error != nil:
			l.cfg.Logger.Warn("failed to release run lock", "key", row.ID, "error", res.Error)
		case res.RowsAffected == 0:
			l.cfg.Logger.Warn("run lock was taken over before release", "key", row.ID)
		}
	}()

	return fn(ctx)
}

func (l *tableLock) heartbeat(row runLockRecord, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(max(l.cfg.StaleAfter/3, time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			res := l.db.Model(&runLockRecord{}).
				Where("id = ? AND token = ?", row.ID, row.Token).
				Update("locked_at", time.Now().UTC())
			switch {
			case res.Error != nil:
				l.cfg.Logger.Warn("run lock heartbeat failed", "key", row.ID, "error", res.Error)
			case res.RowsAffected == 0:
				// Another process removed the row as stale and may be running.
				l.cfg.Logger.Warn("run lock lost", "key", row.ID, "holder", l.cfg.Identity)
			}
		}
	}
}
