// Package services is the port registry: atomic claim and release of TCP
// ports keyed by semantic identity, cross-checked against what the OS is
// actually listening on. The database's unique index on port is the conflict
// arbiter between concurrent claimers; out-of-band binders (processes that
// grabbed a port without asking) are reconciled by a post-insert re-check.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/erichowens/port-daddy-sub004/internal/activity"
	"github.com/erichowens/port-daddy-sub004/internal/db"
	"github.com/erichowens/port-daddy-sub004/internal/identity"
	"github.com/erichowens/port-daddy-sub004/internal/osprobe"
)

const (
	// maxMetadataBytes caps the metadata JSON blob per service.
	maxMetadataBytes = 10 * 1024
	// claimRetries bounds the find-free-port -> insert loop.
	claimRetries = 3
)

var (
	// ErrNotFound reports a missing service.
	ErrNotFound = errors.New("services: not found")
	// ErrPortReserved reports a preferred port in the reserved set.
	ErrPortReserved = errors.New("services: port is reserved")
	// ErrPortOutOfRange reports a preferred port outside the allowed range.
	ErrPortOutOfRange = errors.New("services: port out of range")
	// ErrNoFreePort reports an exhausted range.
	ErrNoFreePort = errors.New("services: no free port in range")
	// ErrQuotaExceeded reports an agent at its max_services quota.
	ErrQuotaExceeded = errors.New("services: agent service quota exceeded")
	// ErrMetadataTooLarge reports a metadata blob over the cap.
	ErrMetadataTooLarge = errors.New("services: metadata too large")
	// ErrBadURL reports an endpoint URL with a disallowed scheme.
	ErrBadURL = errors.New("services: invalid url")
	// ErrBadEnv reports a malformed endpoint env token.
	ErrBadEnv = errors.New("services: invalid env")
)

var envRe = regexp.MustCompile(`^[a-z0-9_-]{1,32}$`)

// PortConfig is the assignable range and the reserved set.
type PortConfig struct {
	RangeStart int
	RangeEnd   int
	Reserved   map[int]bool
}

// Quota answers how many services an agent may hold. Implemented by the
// agents registry; a nil Quota or an unknown agent means no limit.
type Quota interface {
	ServiceQuota(ctx context.Context, agentID string) (max int, known bool, err error)
}

// Notifier receives core events for webhook fan-out. Implementations must
// not block; the registry calls Emit after the owning transaction commits.
type Notifier interface {
	Emit(ctx context.Context, event, targetID string, data map[string]any)
}

// Registry owns the services and endpoints tables.
type Registry struct {
	db       *gorm.DB
	log      *zap.Logger
	probe    osprobe.Prober
	activity *activity.Log
	ports    PortConfig
	quota    Quota
	events   Notifier

	// Now is the clock; replaced in tests.
	Now func() db.Millis
}

// New returns a Registry. quota and events may be nil.
func New(database *gorm.DB, log *zap.Logger, probe osprobe.Prober, audit *activity.Log, ports PortConfig, quota Quota, events Notifier) *Registry {
	return &Registry{
		db:       database,
		log:      log.Named("services"),
		probe:    probe,
		activity: audit,
		ports:    ports,
		quota:    quota,
		events:   events,
		Now:      db.Now,
	}
}

// SetQuota binds the quota source after construction. The agents registry
// implements Quota but is itself built on top of this registry, so the bind
// happens once both exist.
func (r *Registry) SetQuota(q Quota) {
	r.quota = q
}

// ClaimRequest is one port claim.
type ClaimRequest struct {
	// ID is the semantic identity; required.
	ID string
	// PreferredPort, when nonzero, is tried before the range scan.
	PreferredPort int
	// RangeStart/RangeEnd override the configured range when both are set.
	RangeStart int
	RangeEnd   int
	// NoPort claims a registry entry without a port (port-less worker).
	NoPort bool

	PID            int
	AgentID        string
	Cmd            string
	Cwd            string
	ExpiresAt      *db.Millis
	PairedWith     string
	HealthURL      string
	TunnelProvider string
	Metadata       map[string]any
}

// ClaimResult is the claim outcome. Existing distinguishes a renewal of a
// live claim from a fresh assignment.
type ClaimResult struct {
	Service  db.Service
	Existing bool
}

// Claim assigns a port to an identity, or refreshes the existing claim when
// the identity is already live. See the package comment for the race rules.
func (r *Registry) Claim(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	if _, err := identity.Parse(req.ID); err != nil {
		return nil, err
	}
	meta, err := marshalMeta(req.Metadata)
	if err != nil {
		return nil, err
	}

	rangeStart, rangeEnd := r.ports.RangeStart, r.ports.RangeEnd
	if req.RangeStart != 0 && req.RangeEnd != 0 {
		rangeStart, rangeEnd = req.RangeStart, req.RangeEnd
	}
	if rangeStart <= 0 || rangeEnd > 65535 || rangeStart > rangeEnd {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrPortOutOfRange, rangeStart, rangeEnd)
	}
	if req.PreferredPort != 0 {
		if r.ports.Reserved[req.PreferredPort] {
			return nil, fmt.Errorf("%w: %d", ErrPortReserved, req.PreferredPort)
		}
		if req.PreferredPort < rangeStart || req.PreferredPort > rangeEnd {
			return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrPortOutOfRange, req.PreferredPort, rangeStart, rangeEnd)
		}
	}

	// Renewal short-circuit: a live row whose PID is still alive just gets
	// its last_seen refreshed.
	now := r.Now()
	var existing db.Service
	err = r.db.WithContext(ctx).First(&existing, "id = ?", req.ID).Error
	switch {
	case err == nil && r.rowLive(ctx, &existing, now):
		if err := r.db.WithContext(ctx).Model(&existing).Update("last_seen", now).Error; err != nil {
			return nil, fmt.Errorf("services: refresh last_seen: %w", err)
		}
		existing.LastSeen = now
		return &ClaimResult{Service: existing, Existing: true}, nil

	case err == nil:
		// Stale row: the old claimant is gone, drop it before re-assigning.
		if err := r.db.WithContext(ctx).Delete(&db.Service{}, "id = ?", req.ID).Error; err != nil {
			return nil, fmt.Errorf("services: drop stale row: %w", err)
		}

	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("services: claim lookup: %w", err)
	}

	if err := r.checkQuota(ctx, req.AgentID); err != nil {
		return nil, err
	}

	svc := db.Service{
		ID:             req.ID,
		PID:            req.PID,
		Cmd:            req.Cmd,
		Cwd:            req.Cwd,
		Status:         "assigned",
		CreatedAt:      now,
		LastSeen:       now,
		ExpiresAt:      req.ExpiresAt,
		HealthURL:      req.HealthURL,
		TunnelProvider: req.TunnelProvider,
		PairedWith:     req.PairedWith,
		AgentID:        req.AgentID,
		Metadata:       meta,
	}

	if req.NoPort {
		if err := r.db.WithContext(ctx).Create(&svc).Error; err != nil {
			return nil, fmt.Errorf("services: insert port-less: %w", err)
		}
		r.audit(ctx, &svc, req.AgentID)
		return &ClaimResult{Service: svc}, nil
	}

	// Assign a port: pick candidate, insert, re-check the OS. The unique
	// index arbitrates DB races; the re-check catches out-of-band binders
	// that grabbed the candidate between the scan and the insert.
	excluded := make(map[int]bool)
	for attempt := 0; attempt < claimRetries; attempt++ {
		osPorts := osprobe.PortSet(r.probe.Listeners(ctx))
		candidate, err := r.pickPort(ctx, req.PreferredPort, rangeStart, rangeEnd, osPorts, excluded)
		if err != nil {
			return nil, err
		}

		svc.Port = &candidate
		if err := r.db.WithContext(ctx).Create(&svc).Error; err != nil {
			if !isUniqueViolation(err) {
				return nil, fmt.Errorf("services: insert: %w", err)
			}
			// The violation is either the port index (another identity beat
			// us to the candidate) or the id primary key (a concurrent claim
			// for this same identity won). Re-read by id to tell them apart:
			// a same-identity winner is a renewal, not a failure.
			var winner db.Service
			lookupErr := r.db.WithContext(ctx).First(&winner, "id = ?", req.ID).Error
			if lookupErr == nil {
				return &ClaimResult{Service: winner, Existing: true}, nil
			}
			if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("services: claim race lookup: %w", lookupErr)
			}
			excluded[candidate] = true
			continue
		}

		if osprobe.PortSet(r.probe.Listeners(ctx))[candidate] {
			// An unrelated process bound the port under us. Back out and
			// scan again without this candidate.
			if err := r.db.WithContext(ctx).Delete(&db.Service{}, "id = ?", req.ID).Error; err != nil {
				return nil, fmt.Errorf("services: back out raced claim: %w", err)
			}
			excluded[candidate] = true
			continue
		}

		r.audit(ctx, &svc, req.AgentID)
		return &ClaimResult{Service: svc}, nil
	}
	return nil, fmt.Errorf("%w: retries exhausted for %q", ErrNoFreePort, req.ID)
}

func (r *Registry) audit(ctx context.Context, svc *db.Service, agentID string) {
	port := 0
	if svc.Port != nil {
		port = *svc.Port
	}
	r.activity.Record(ctx, activity.TypeServiceClaim, agentID, svc.ID,
		fmt.Sprintf("claimed port %d", port), map[string]any{"port": port})
	if r.events != nil {
		r.events.Emit(ctx, activity.TypeServiceClaim, svc.ID, map[string]any{"port": port, "pid": svc.PID})
	}
}

// rowLive reports whether a service row still represents a living claimant.
func (r *Registry) rowLive(ctx context.Context, svc *db.Service, now db.Millis) bool {
	if svc.ExpiresAt != nil && *svc.ExpiresAt <= now {
		return false
	}
	if svc.PID == 0 {
		// No PID recorded; liveness is expiry-only.
		return true
	}
	return r.probe.Alive(ctx, svc.PID)
}

// pickPort returns the first assignable port: the preferred one when free,
// otherwise the lowest free port in [rangeStart, rangeEnd]. The scan order is
// fixed, so assignment is a function of range, reserved set and occupancy.
func (r *Registry) pickPort(ctx context.Context, preferred, rangeStart, rangeEnd int, osPorts, excluded map[int]bool) (int, error) {
	held, err := r.heldPorts(ctx)
	if err != nil {
		return 0, err
	}
	free := func(p int) bool {
		return !r.ports.Reserved[p] && !held[p] && !osPorts[p] && !excluded[p]
	}
	if preferred != 0 && free(preferred) {
		return preferred, nil
	}
	for p := rangeStart; p <= rangeEnd; p++ {
		if free(p) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: [%d, %d]", ErrNoFreePort, rangeStart, rangeEnd)
}

func (r *Registry) heldPorts(ctx context.Context) (map[int]bool, error) {
	var ports []int
	err := r.db.WithContext(ctx).Model(&db.Service{}).
		Where("port IS NOT NULL").
		Pluck("port", &ports).Error
	if err != nil {
		return nil, fmt.Errorf("services: held ports: %w", err)
	}
	held := make(map[int]bool, len(ports))
	for _, p := range ports {
		held[p] = true
	}
	return held, nil
}

func (r *Registry) checkQuota(ctx context.Context, agentID string) error {
	if r.quota == nil || agentID == "" {
		return nil
	}
	max, known, err := r.quota.ServiceQuota(ctx, agentID)
	if err != nil {
		return fmt.Errorf("services: quota lookup: %w", err)
	}
	if !known {
		return nil
	}
	n, err := r.CountByAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if n >= int64(max) {
		return fmt.Errorf("%w: %d/%d", ErrQuotaExceeded, n, max)
	}
	return nil
}

// ReleaseRequest selects services to release: exactly one of ID, Pattern or
// Expired must be set.
type ReleaseRequest struct {
	ID      string
	Pattern string
	Expired bool
	AgentID string
}

// ReleaseResult reports what was released.
type ReleaseResult struct {
	Released      int   `json:"released"`
	ReleasedPorts []int `json:"releasedPorts"`
}

// Release removes services by exact identity, by pattern, or by elapsed
// expiry. Releasing a missing exact identity returns ErrNotFound; bulk
// forms release zero or more rows without error.
func (r *Registry) Release(ctx context.Context, req ReleaseRequest) (*ReleaseResult, error) {
	q := r.db.WithContext(ctx).Model(&db.Service{})
	switch {
	case req.ID != "":
		if _, err := identity.Parse(req.ID); err != nil {
			return nil, err
		}
		q = q.Where("id = ?", req.ID)
	case req.Pattern != "":
		if err := identity.ValidatePattern(req.Pattern); err != nil {
			return nil, err
		}
		expr, args := identity.MatchSQL("id", req.Pattern)
		q = q.Where(expr, args...)
	case req.Expired:
		q = q.Where("expires_at IS NOT NULL AND expires_at < ?", r.Now())
	default:
		return nil, fmt.Errorf("services: release needs id, pattern or expired: %w", identity.ErrInvalid)
	}

	var victims []db.Service
	if err := q.Find(&victims).Error; err != nil {
		return nil, fmt.Errorf("services: release find: %w", err)
	}
	if len(victims) == 0 {
		if req.ID != "" {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, req.ID)
		}
		return &ReleaseResult{ReleasedPorts: []int{}}, nil
	}

	ids := make([]string, 0, len(victims))
	ports := make([]int, 0, len(victims))
	for _, v := range victims {
		ids = append(ids, v.ID)
		if v.Port != nil {
			ports = append(ports, *v.Port)
		}
	}
	if err := r.db.WithContext(ctx).Delete(&db.Service{}, "id IN ?", ids).Error; err != nil {
		return nil, fmt.Errorf("services: release delete: %w", err)
	}

	for _, v := range victims {
		r.activity.Record(ctx, activity.TypeServiceRelease, req.AgentID, v.ID, "", nil)
		if r.events != nil {
			port := 0
			if v.Port != nil {
				port = *v.Port
			}
			r.events.Emit(ctx, activity.TypeServiceRelease, v.ID, map[string]any{"port": port})
		}
	}
	return &ReleaseResult{Released: len(victims), ReleasedPorts: ports}, nil
}

// ReleaseByAgentTx removes every service owned by agentID inside the
// caller's transaction and returns the freed ports. Part of the dead-agent
// cleanup; the activity rows are the caller's responsibility.
func (r *Registry) ReleaseByAgentTx(tx *gorm.DB, agentID string) ([]int, error) {
	var victims []db.Service
	if err := tx.Find(&victims, "agent_id = ?", agentID).Error; err != nil {
		return nil, fmt.Errorf("services: release by agent find: %w", err)
	}
	if len(victims) == 0 {
		return nil, nil
	}
	if err := tx.Delete(&db.Service{}, "agent_id = ?", agentID).Error; err != nil {
		return nil, fmt.Errorf("services: release by agent: %w", err)
	}
	var ports []int
	for _, v := range victims {
		if v.Port != nil {
			ports = append(ports, *v.Port)
		}
	}
	return ports, nil
}

// FindOptions filters List.
type FindOptions struct {
	Pattern string
	Status  string
	Port    int
	Expired bool
}

// List returns services sorted by identity.
func (r *Registry) List(ctx context.Context, opts FindOptions) ([]db.Service, error) {
	q := r.db.WithContext(ctx).Model(&db.Service{})
	if opts.Pattern != "" {
		if err := identity.ValidatePattern(opts.Pattern); err != nil {
			return nil, err
		}
		expr, args := identity.MatchSQL("id", opts.Pattern)
		q = q.Where(expr, args...)
	}
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}
	if opts.Port != 0 {
		q = q.Where("port = ?", opts.Port)
	}
	if opts.Expired {
		q = q.Where("expires_at IS NOT NULL AND expires_at < ?", r.Now())
	}
	var services []db.Service
	if err := q.Order("id ASC").Find(&services).Error; err != nil {
		return nil, fmt.Errorf("services: list: %w", err)
	}
	return services, nil
}

// Get returns one service by exact identity.
func (r *Registry) Get(ctx context.Context, id string) (*db.Service, error) {
	var svc db.Service
	err := r.db.WithContext(ctx).First(&svc, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("services: get: %w", err)
	}
	return &svc, nil
}

// CountByAgent returns how many services agentID currently holds.
func (r *Registry) CountByAgent(ctx context.Context, agentID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&db.Service{}).Where("agent_id = ?", agentID).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("services: count by agent: %w", err)
	}
	return n, nil
}

// SetEndpoint upserts the URL for a (service, env) pair. The service must
// exist; env is a short lowercase token; the URL scheme must be one of
// http, https, ws, wss.
func (r *Registry) SetEndpoint(ctx context.Context, serviceID, env, rawURL string) (*db.Endpoint, error) {
	if !envRe.MatchString(env) {
		return nil, fmt.Errorf("%w: %q", ErrBadEnv, env)
	}
	u, err := url.Parse(rawURL)
	if err != nil || !allowedScheme(u.Scheme) || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrBadURL, rawURL)
	}
	if _, err := r.Get(ctx, serviceID); err != nil {
		return nil, err
	}

	now := r.Now()
	ep := db.Endpoint{ServiceID: serviceID, Env: env}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&ep, "service_id = ? AND env = ?", serviceID, env).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			ep = db.Endpoint{ServiceID: serviceID, Env: env, URL: rawURL, CreatedAt: now, UpdatedAt: now}
			return tx.Create(&ep).Error
		case err != nil:
			return err
		}
		ep.URL = rawURL
		ep.UpdatedAt = now
		return tx.Save(&ep).Error
	})
	if err != nil {
		return nil, fmt.Errorf("services: set endpoint: %w", err)
	}
	return &ep, nil
}

// Endpoints returns all endpoints for a service.
func (r *Registry) Endpoints(ctx context.Context, serviceID string) ([]db.Endpoint, error) {
	var eps []db.Endpoint
	err := r.db.WithContext(ctx).
		Where("service_id = ?", serviceID).
		Order("env ASC").
		Find(&eps).Error
	if err != nil {
		return nil, fmt.Errorf("services: endpoints: %w", err)
	}
	return eps, nil
}

// ReapStale releases services whose expiry has elapsed or whose PID is no
// longer alive. Called by the reaper; returns the released identities.
func (r *Registry) ReapStale(ctx context.Context) ([]string, error) {
	now := r.Now()
	var all []db.Service
	if err := r.db.WithContext(ctx).Find(&all).Error; err != nil {
		return nil, fmt.Errorf("services: reap scan: %w", err)
	}

	var victims []string
	for i := range all {
		svc := &all[i]
		expired := svc.ExpiresAt != nil && *svc.ExpiresAt <= now
		dead := svc.PID != 0 && !r.probe.Alive(ctx, svc.PID)
		if expired || dead {
			victims = append(victims, svc.ID)
		}
	}
	if len(victims) == 0 {
		return nil, nil
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&db.Service{}, "id IN ?", victims).Error; err != nil {
			return fmt.Errorf("services: reap delete: %w", err)
		}
		for _, id := range victims {
			if err := r.activity.RecordTx(tx, activity.TypeServiceRelease, "", id, "reaped", nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("reaped stale services", zap.Int("count", len(victims)))
	return victims, nil
}

func allowedScheme(s string) bool {
	switch strings.ToLower(s) {
	case "http", "https", "ws", "wss":
		return true
	}
	return false
}

func marshalMeta(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("services: marshal metadata: %w", err)
	}
	if len(raw) > maxMetadataBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrMetadataTooLarge, len(raw))
	}
	return string(raw), nil
}

// isUniqueViolation reports whether err is a unique-constraint failure from
// the sqlite driver. GORM exposes ErrDuplicatedKey for dialects that
// translate errors; modernc's message is matched as a fallback.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
