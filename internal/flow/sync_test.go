package flow

import (
	"context"
	"sync/atomic"
	"time"

	"activeconfig/internal/types"
)

func (s *FlowTestSuite) seedImage(key, url, hash string, exp *time.Time, blob []byte) {
	s.Require().NoError(s.store.Upsert(s.ctx, types.ConfigEntry{
		ID: types.EntryID(types.Image, key), Key: key, Type: types.Image,
		Value: url, Hash: hash, ExpireTime: exp, Blob: blob, Status: types.StatusOK,
	}))
}

func (s *FlowTestSuite) seedText(key, value, hash string, exp *time.Time) {
	s.Require().NoError(s.store.Upsert(s.ctx, types.ConfigEntry{
		ID: types.EntryID(types.Text, key), Key: key, Type: types.Text,
		Value: value, Hash: hash, ExpireTime: exp, Status: types.StatusOK,
	}))
}

func (s *FlowTestSuite) TestSyncBannerScenario() {
	s.seedImage("banner", "http://x/old.png", "abc", s.at(-24*time.Hour), []byte("OLD"))
	s.tr.blobs["http://x/img.png"] = []byte("NEW-PNG")
	s.server.setDeltas(types.Delta{
		Key: "banner", Type: types.Image, Status: types.DeltaSuccess,
		Value: "http://x/img.png", Hash: "def", ExpireTime: s.at(time.Hour),
	})

	report, err := s.sync.CheckUpdate(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, report.Checked)
	s.Equal(1, report.Updated)
	s.Equal(1, report.Notified)

	e := s.stored(types.Image, "banner")
	s.Equal("def", e.Hash)
	s.Equal("http://x/img.png", e.Value)
	s.Equal([]byte("NEW-PNG"), e.Blob)

	events := s.notifier.all()
	s.Require().Len(events, 1)
	s.Equal("banner", events[0].Key)
	s.Equal(types.Image, events[0].Type)
	s.Equal([]byte("NEW-PNG"), events[0].Blob)
	s.Empty(events[0].Value, "image events never carry the bare url")
}

func (s *FlowTestSuite) TestSyncTextUpdate() {
	s.seedText("title", "old", "h1", s.at(time.Hour))
	s.server.setDeltas(types.Delta{Key: "title", Type: types.Text, Status: types.DeltaSuccess, Value: "new", Hash: "h2"})

	_, err := s.sync.CheckUpdate(s.ctx)
	s.Require().NoError(err)
	e := s.stored(types.Text, "title")
	s.Equal("new", e.Value)
	s.Nil(e.ExpireTime)

	events := s.notifier.all()
	s.Require().Len(events, 1)
	s.Equal("new", events[0].Value)
}

func (s *FlowTestSuite) TestSyncIsIdempotent() {
	s.seedText("title", "old", "h1", nil)
	s.server.setDeltas(types.Delta{Key: "title", Type: types.Text, Status: types.DeltaSuccess, Value: "new", Hash: "h2"})

	first, err := s.sync.CheckUpdate(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, first.Updated)

	// the server keeps answering with the hash we now hold
	second, err := s.sync.CheckUpdate(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, second.Updated)
	s.Equal(0, second.Notified)
	s.Len(s.notifier.all(), 1)

	s.server.setDeltas()
	third, err := s.sync.CheckUpdate(s.ctx)
	s.Require().NoError(err)
	s.Equal(SyncReport{Checked: 1}, third)
}

func (s *FlowTestSuite) TestSyncInvalidBecomesNegativeWithoutEvent() {
	s.seedText("gone", "v", "h1", s.at(time.Hour))
	s.server.setDeltas(types.Delta{Key: "gone", Type: types.Text, Status: types.DeltaInvalid})

	report, err := s.sync.CheckUpdate(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, report.Invalidated)
	s.Empty(s.notifier.all())
	s.Equal(types.StatusKeyNotFound, s.stored(types.Text, "gone").Status)

	res := s.resolver.ResolveText(s.ctx, "gone", "d", false)
	s.Equal("d", res.Value)
	s.Equal(0, s.server.fetches())

	report, err = s.sync.CheckUpdate(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, report.Invalidated)
}

func (s *FlowTestSuite) TestSyncPromotesNegativeEntry() {
	s.Require().NoError(s.store.Upsert(s.ctx, types.NewNegativeEntry(types.Text, "promo")))
	s.server.setDeltas(types.Delta{Key: "promo", Type: types.Text, Status: types.DeltaSuccess, Value: "50% off", Hash: "p1"})

	report, err := s.sync.CheckUpdate(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, report.Updated)

	res := s.resolver.ResolveText(s.ctx, "promo", "d", false)
	s.Equal("50% off", res.Value)
	s.Equal(ServedCached, res.Source)
}

func (s *FlowTestSuite) TestSyncIgnoresUnknownEntries() {
	s.seedText("title", "v", "h1", nil)
	s.server.setDeltas(types.Delta{Key: "other", Type: types.Text, Status: types.DeltaSuccess, Value: "x", Hash: "h"})

	report, err := s.sync.CheckUpdate(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, report.Updated)
	s.Nil(s.stored(types.Text, "other"))
}

func (s *FlowTestSuite) TestSyncBatchErrorAbortsTick() {
	s.seedText("title", "v", "h1", nil)
	s.server.batchErr = types.Err(types.ErrTransport, nil, "timeout")
	s.server.setDeltas(types.Delta{Key: "title", Type: types.Text, Status: types.DeltaSuccess, Value: "x", Hash: "h2"})

	_, err := s.sync.CheckUpdate(s.ctx)
	s.Error(err)
	s.Equal("v", s.stored(types.Text, "title").Value)
	s.Empty(s.notifier.all())
}

func (s *FlowTestSuite) TestSyncEmptyCacheMakesNoCall() {
	report, err := s.sync.CheckUpdate(s.ctx)
	s.NoError(err)
	s.Equal(SyncReport{}, report)
	s.Equal(0, s.server.batchCalls)
}

func (s *FlowTestSuite) TestSyncImageDownloadFailureRaisesNoEvent() {
	s.seedImage("banner", "http://x/old.png", "abc", nil, []byte("OLD"))
	s.tr.unreach["http://down/new.png"] = true
	s.server.setDeltas(types.Delta{Key: "banner", Type: types.Image, Status: types.DeltaSuccess, Value: "http://down/new.png", Hash: "def"})

	report, err := s.sync.CheckUpdate(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, report.Updated)
	s.Equal(0, report.Notified)
	e := s.stored(types.Image, "banner")
	s.Equal(types.StatusInvalidPath, e.Status)
	s.Nil(e.Blob)
}

// countingServer wraps fakeServer to observe timer ticks.
type countingServer struct {
	*fakeServer
	ticks atomic.Int32
}

func (c *countingServer) FetchBatch(ctx context.Context, e []types.ConfigEntry) ([]types.Delta, error) {
	c.ticks.Add(1)
	return c.fakeServer.FetchBatch(ctx, e)
}

func (s *FlowTestSuite) TestTimerTicksAndReschedules() {
	srv := &countingServer{fakeServer: s.server}
	s.seedText("title", "v", "h1", nil)
	sy := NewSynchronizer(s.store, srv, s.blobs, s.notifier, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sy.Start(ctx)
	sy.Start(ctx)
	s.True(sy.Running())

	time.Sleep(30 * time.Millisecond)
	s.Equal(int32(0), srv.ticks.Load())

	sy.SetInterval(10 * time.Millisecond)
	s.Equal(10*time.Millisecond, sy.Interval())
	s.Eventually(func() bool { return srv.ticks.Load() >= 2 }, time.Second, 5*time.Millisecond)

	sy.Stop()
	s.False(sy.Running())
	n := srv.ticks.Load()
	time.Sleep(30 * time.Millisecond)
	s.Equal(n, srv.ticks.Load())
	sy.Stop()
}
