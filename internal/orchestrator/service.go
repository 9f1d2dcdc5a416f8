package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"playout-engine/internal/amcp"
	"playout-engine/internal/rundown"
	"playout-engine/internal/scheduler"
)

// Gateway is what the service needs from the playout client on top of the
// verbs the scheduler drives.
type Gateway interface {
	Health() amcp.State
	ListMedia(ctx context.Context) ([]amcp.Media, error)
	ListTemplates(ctx context.Context) ([]amcp.Template, error)
}

// Health is the payload of GET /health.
type Health struct {
	Online     bool       `json:"online"`
	Connection amcp.State `json:"connection"`
}

// Service binds the rundown repository, the scheduler and the playout
// gateway. Intents naming items by id resolve them here so the scheduler
// only ever sees complete items.
type Service struct {
	repo  rundown.Repository
	sched *scheduler.Scheduler
	gw    Gateway
	log   *slog.Logger
}

// NewService returns a Service. log may be nil.
func NewService(repo rundown.Repository, sched *scheduler.Scheduler, gw Gateway, log *slog.Logger) *Service {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Service{repo: repo, sched: sched, gw: gw, log: log}
}

// Health reports the connection state without any network round trip.
func (s *Service) Health() Health {
	st := s.gw.Health()
	return Health{Online: st == amcp.Connected, Connection: st}
}

// Media lists the playout server's media. Offline yields an empty catalog.
func (s *Service) Media(ctx context.Context) ([]amcp.Media, error) {
	media, err := s.gw.ListMedia(ctx)
	if errors.Is(err, amcp.ErrOffline) {
		return []amcp.Media{}, nil
	}
	if err != nil {
		return nil, err
	}
	if media == nil {
		media = []amcp.Media{}
	}
	return media, nil
}

// Templates lists the playout server's templates. Offline yields an empty
// catalog.
func (s *Service) Templates(ctx context.Context) ([]amcp.Template, error) {
	tpls, err := s.gw.ListTemplates(ctx)
	if errors.Is(err, amcp.ErrOffline) {
		return []amcp.Template{}, nil
	}
	if err != nil {
		return nil, err
	}
	if tpls == nil {
		tpls = []amcp.Template{}
	}
	return tpls, nil
}

// Layers returns the current scheduler snapshot.
func (s *Service) Layers() scheduler.Snapshot {
	return s.sched.Snapshot()
}

// Subscribe streams scheduler snapshots until ctx is done.
func (s *Service) Subscribe(ctx context.Context) <-chan scheduler.Snapshot {
	return s.sched.Subscribe(ctx)
}

func (s *Service) item(id string) (rundown.Item, error) {
	it, ok := s.repo.Item(id)
	if !ok {
		return rundown.Item{}, fmt.Errorf("item %q: %w", id, rundown.ErrNotFound)
	}
	return it, nil
}

// Cue pre-rolls an item and marks it next to take.
func (s *Service) Cue(ctx context.Context, itemID string) (rundown.Item, error) {
	it, err := s.item(itemID)
	if err != nil {
		return rundown.Item{}, err
	}
	return it, s.sched.Cue(ctx, it)
}

// Take puts an item on air.
func (s *Service) Take(ctx context.Context, itemID string) (rundown.Item, error) {
	it, err := s.item(itemID)
	if err != nil {
		return rundown.Item{}, err
	}
	return it, s.sched.Take(ctx, it)
}

// TakeCued takes whatever is cued.
func (s *Service) TakeCued(ctx context.Context) (rundown.Item, error) {
	return s.sched.TakeCued(ctx)
}

// Next cues the following item.
func (s *Service) Next(ctx context.Context) (rundown.Item, error) {
	return s.sched.Next(ctx)
}

// PlayRundown cues the first item of a rundown and takes it after the
// settle delay.
func (s *Service) PlayRundown(ctx context.Context, rundownID string) (rundown.Item, error) {
	if _, err := s.repo.Get(rundownID); err != nil {
		return rundown.Item{}, err
	}
	first, ok := s.repo.First(rundownID)
	if !ok {
		return rundown.Item{}, fmt.Errorf("rundown %q is empty: %w", rundownID, scheduler.ErrNothingCued)
	}
	return first, s.sched.PlayFrom(ctx, first)
}

// PlayOverlay fires an overlay owned by an item.
func (s *Service) PlayOverlay(ctx context.Context, itemID, overlayID string) (scheduler.LayerKey, error) {
	it, err := s.item(itemID)
	if err != nil {
		return scheduler.LayerKey{}, err
	}
	ov, ok := it.Overlay(overlayID)
	if !ok {
		return scheduler.LayerKey{}, fmt.Errorf("overlay %q: %w", overlayID, rundown.ErrNotFound)
	}
	return s.sched.FireOverlay(ctx, ov, it.Channel, it.ID)
}

// PlayPreset fires a standalone overlay. channel applies when the overlay
// names none.
func (s *Service) PlayPreset(ctx context.Context, ov rundown.Overlay, channel int) (scheduler.LayerKey, error) {
	return s.sched.FireOverlay(ctx, ov, channel, "")
}

// Stop clears one layer.
func (s *Service) Stop(ctx context.Context, key scheduler.LayerKey) error {
	return s.sched.Stop(ctx, key)
}

// StopOverlay animates a graphic out.
func (s *Service) StopOverlay(ctx context.Context, key scheduler.LayerKey) error {
	return s.sched.StopOverlay(ctx, key)
}

// Panic clears a channel.
func (s *Service) Panic(ctx context.Context, channel int) error {
	return s.sched.Panic(ctx, channel)
}

// SetAutoChain toggles auto-chaining.
func (s *Service) SetAutoChain(ctx context.Context, on bool) error {
	return s.sched.SetAutoChain(ctx, on)
}

// Rundown editing passes straight through to the repository.

func (s *Service) Rundowns() []*rundown.Rundown { return s.repo.List() }

func (s *Service) Rundown(id string) (*rundown.Rundown, error) { return s.repo.Get(id) }

func (s *Service) CreateRundown(rd rundown.Rundown) (*rundown.Rundown, error) {
	return s.repo.Create(rd)
}

func (s *Service) DeleteRundown(id string) error { return s.repo.Delete(id) }

func (s *Service) SetLocked(id string, locked bool) error { return s.repo.SetLocked(id, locked) }

func (s *Service) AddItem(rundownID string, it rundown.Item) (rundown.Item, error) {
	return s.repo.AddItem(rundownID, it)
}

func (s *Service) UpdateItem(itemID string, it rundown.Item) (rundown.Item, error) {
	return s.repo.UpdateItem(itemID, it)
}

func (s *Service) DeleteItem(itemID string) error { return s.repo.DeleteItem(itemID) }

// Export writes every rundown in the given format.
func (s *Service) Export(w io.Writer, f rundown.Format) error {
	return rundown.Encode(w, f, s.repo.Snapshot())
}

// Import replaces every rundown with the decoded document and returns the
// number of rundowns loaded. Active layers are unaffected.
func (s *Service) Import(r io.Reader, f rundown.Format) (int, error) {
	rs, err := rundown.Decode(r, f)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", rundown.ErrInvalidItem, err)
	}
	if err := s.repo.Replace(rs); err != nil {
		return 0, err
	}
	s.log.Info("rundowns imported", slog.Int("rundowns", len(rs)))
	return len(rs), nil
}
