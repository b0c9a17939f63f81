package focus

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

var (
	// ErrLeaseHeld is returned when another live loop owns the record.
	ErrLeaseHeld = errors.New("focus record is leased by another loop")
	// ErrLeaseLost is returned when a lease this process held was broken or
	// taken over.
	ErrLeaseLost = errors.New("focus lease lost")
)

// Lease is an exclusive claim on a focus record, held by one control loop.
// It is a sibling file created with O_EXCL; an expired lease may be broken.
type Lease struct {
	path   string
	record string
	ttl    time.Duration
	mu     sync.Mutex

	Owner string    `json:"owner"`
	PID   int       `json:"pid"`
	Until time.Time `json:"until"`
}

// LeasePath returns the lease file for a record.
func LeasePath(recordPath string) string {
	return recordPath + ".lease"
}

// AcquireLease claims the record at recordPath for ttl.
func AcquireLease(recordPath, owner string, ttl time.Duration) (*Lease, error) {
	l := &Lease{
		path:   LeasePath(recordPath),
		record: recordPath,
		ttl:    ttl,
		Owner:  owner,
		PID:    os.Getpid(),
		Until:  time.Now().Add(ttl).UTC(),
	}
	for attempt := 0; attempt < 2; attempt++ {
		err := l.create()
		if err == nil {
			return l, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lease: %w", err)
		}
		held, rerr := ReadLease(recordPath)
		if rerr != nil {
			// Unparseable leases are treated as stale.
			os.Remove(l.path)
			continue
		}
		if held.Owner == owner || time.Now().After(held.Until) {
			os.Remove(l.path)
			continue
		}
		return nil, fmt.Errorf("%w: %s until %s", ErrLeaseHeld, held.Owner, held.Until.Format(time.RFC3339))
	}
	return nil, ErrLeaseHeld
}

func (l *Lease) create() error {
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(l)
}

// ReadLease returns the lease currently held on a record.
func ReadLease(recordPath string) (*Lease, error) {
	data, err := os.ReadFile(LeasePath(recordPath))
	if err != nil {
		return nil, err
	}
	var l Lease
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("invalid lease: %w", err)
	}
	l.path = LeasePath(recordPath)
	l.record = recordPath
	return &l, nil
}

// TTL returns the duration each renewal extends the lease by.
func (l *Lease) TTL() time.Duration { return l.ttl }

// Renew extends the lease by its TTL. It fails with ErrLeaseLost when the
// lease file is gone or names another owner.
func (l *Lease) Renew() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.owned(); err != nil {
		return err
	}
	prev := l.Until
	l.Until = time.Now().Add(l.ttl).UTC()
	data, err := json.Marshal(l)
	if err == nil {
		err = atomicWrite(l.path, append(data, '\n'))
	}
	if err != nil {
		l.Until = prev
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	return nil
}

// owned checks the lease file still names this owner.
func (l *Lease) owned() error {
	held, err := ReadLease(l.record)
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: lease file removed", ErrLeaseLost)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLeaseLost, err)
	}
	if held.Owner != l.Owner {
		return fmt.Errorf("%w: now held by %s", ErrLeaseLost, held.Owner)
	}
	return nil
}

// Release gives up the lease. A lease that was taken over is left in place
// and ErrLeaseLost is returned.
func (l *Lease) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.owned(); err != nil {
		return err
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
