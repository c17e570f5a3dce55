package flow

import (
	"context"
	"errors"
	"sync"
	"time"

	"activeconfig/internal/types"
)

func (s *FlowTestSuite) newEngine() *Engine {
	e, err := NewEngine(types.Settings{AppKey: "app", AppSecret: "sec", UpdateInterval: "1h"}, s.store, s.server, s.tr, s.notifier)
	s.Require().NoError(err)
	return e
}

func (s *FlowTestSuite) TestEngineRequiresRegister() {
	e := s.newEngine()
	defer e.Close()

	_, err := e.GetTextAsync("title", "d", false, func(string) {})
	s.True(errors.Is(err, types.ErrNotRegistered))
	_, err = e.GetText(s.ctx, "title", "d", false)
	s.True(errors.Is(err, types.ErrNotRegistered))
	_, err = e.CheckUpdate(s.ctx)
	s.True(errors.Is(err, types.ErrNotRegistered))
}

func (s *FlowTestSuite) TestEngineUsageErrors() {
	e := s.newEngine()
	defer e.Close()
	s.Require().NoError(e.Register(types.DeviceInfo{Sys: "linux"}))

	_, err := e.GetTextAsync("", "d", false, func(string) {})
	s.True(errors.Is(err, types.ErrInvalidArgument))
	_, err = e.GetImageAsync("banner", nil, false, nil)
	s.True(errors.Is(err, types.ErrInvalidArgument))
	s.True(errors.Is(e.SetUpdateInterval(time.Millisecond), types.ErrInvalidArgument))

	bare, err := NewEngine(types.Settings{}, s.store, s.server, s.tr, nil)
	s.Require().NoError(err)
	s.True(errors.Is(bare.Register(types.DeviceInfo{}), types.ErrInvalidArgument))
	bare.Close()
}

func (s *FlowTestSuite) TestEngineAsyncDeliversOnce() {
	e := s.newEngine()
	s.Require().NoError(e.Register(types.DeviceInfo{Sys: "linux"}))
	s.server.put(types.Text, "title", "Hello", "h", nil)

	var mu sync.Mutex
	var got []string
	done, err := e.GetTextAsync("title", "d", false, func(v string) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})
	s.Require().NoError(err)
	<-done
	mu.Lock()
	s.Equal([]string{"Hello"}, got)
	mu.Unlock()

	e.Close()
	s.Eventually(func() bool {
		s.server.mu.Lock()
		defer s.server.mu.Unlock()
		return s.server.registered == 1
	}, time.Second, 5*time.Millisecond)
}

func (s *FlowTestSuite) TestEngineImageAsync() {
	e := s.newEngine()
	defer e.Close()
	s.Require().NoError(e.Register(types.DeviceInfo{}))
	s.server.put(types.Image, "banner", "http://x/a.png", "h", nil)
	s.tr.blobs["http://x/a.png"] = []byte("PNG")

	var got []byte
	done, err := e.GetImageAsync("banner", []byte("d"), false, func(b []byte) { got = b })
	s.Require().NoError(err)
	<-done
	s.Equal([]byte("PNG"), got)
}

func (s *FlowTestSuite) TestEngineCallbackPanicIsContained() {
	e := s.newEngine()
	defer e.Close()
	s.Require().NoError(e.Register(types.DeviceInfo{}))

	done, err := e.GetTextAsync("title", "d", false, func(string) { panic("boom") })
	s.Require().NoError(err)
	select {
	case <-done:
	case <-time.After(time.Second):
		s.Fail("done channel not closed")
	}
}

func (s *FlowTestSuite) TestEngineClearCache() {
	e := s.newEngine()
	defer e.Close()
	s.Require().NoError(e.Register(types.DeviceInfo{}))
	s.server.put(types.Text, "title", "Hello", "h", nil)

	_, err := e.GetText(s.ctx, "title", "d", false)
	s.Require().NoError(err)
	s.Equal(1, s.server.fetches())

	s.Require().NoError(e.ClearCache(s.ctx))
	all, err := s.store.All(s.ctx)
	s.Require().NoError(err)
	s.Empty(all)

	res, err := e.GetText(s.ctx, "title", "d", false)
	s.Require().NoError(err)
	s.Equal("Hello", res.Value)
	s.Equal(ServedFresh, res.Source)
	s.Equal(2, s.server.fetches())
}

func (s *FlowTestSuite) TestEngineCheckUpdateAndInterval() {
	e := s.newEngine()
	defer e.Close()
	s.Require().NoError(e.Register(types.DeviceInfo{}))
	s.seedText("title", "old", "h1", nil)
	s.server.setDeltas(types.Delta{Key: "title", Type: types.Text, Status: types.DeltaSuccess, Value: "new", Hash: "h2"})

	report, err := e.CheckUpdate(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, report.Updated)

	s.Require().NoError(e.SetUpdateInterval(5 * time.Minute))
	s.Equal(5*time.Minute, e.UpdateInterval())
}

func (s *FlowTestSuite) TestEngineClosedRejectsCalls() {
	e := s.newEngine()
	s.Require().NoError(e.Register(types.DeviceInfo{}))
	e.Close()
	e.Close()
	_, err := e.GetTextAsync("title", "d", false, func(string) {})
	s.True(errors.Is(err, types.ErrNotRegistered))
}

func (s *FlowTestSuite) TestBinderDropsStaleValues() {
	e := s.newEngine()
	defer e.Close()
	s.Require().NoError(e.Register(types.DeviceInfo{}))
	s.server.put(types.Text, "a", "value-a", "h", nil)
	s.server.put(types.Text, "b", "value-b", "h", nil)
	s.server.gate = make(chan struct{})

	b := NewBinder()
	var mu sync.Mutex
	var shown []string
	apply := func(v string) {
		mu.Lock()
		shown = append(shown, v)
		mu.Unlock()
	}

	doneA, err := e.BindText(b, "label", "a", "d", apply)
	s.Require().NoError(err)
	doneB, err := e.BindText(b, "label", "b", "d", apply)
	s.Require().NoError(err)
	close(s.server.gate)
	<-doneA
	<-doneB

	mu.Lock()
	s.Equal([]string{"value-b"}, shown)
	mu.Unlock()
	s.True(b.Bound("label", types.Text, "b"))

	b.Unbind("label")
	s.False(b.Deliver("label", types.Text, "b", func() { s.Fail("unbound target must not be updated") }))
}

func (s *FlowTestSuite) TestBindImageDropsStaleValues() {
	e := s.newEngine()
	defer e.Close()
	s.Require().NoError(e.Register(types.DeviceInfo{}))
	s.server.put(types.Image, "old", "http://x/old.png", "h", nil)
	s.server.put(types.Image, "new", "http://x/new.png", "h", nil)
	s.tr.blobs["http://x/old.png"] = []byte("OLD")
	s.tr.blobs["http://x/new.png"] = []byte("NEW")
	s.server.gate = make(chan struct{})

	b := NewBinder()
	var mu sync.Mutex
	var shown [][]byte
	apply := func(v []byte) {
		mu.Lock()
		shown = append(shown, v)
		mu.Unlock()
	}

	doneOld, err := e.BindImage(b, "hero", "old", []byte("d"), apply)
	s.Require().NoError(err)
	doneNew, err := e.BindImage(b, "hero", "new", []byte("d"), apply)
	s.Require().NoError(err)
	close(s.server.gate)
	<-doneOld
	<-doneNew

	mu.Lock()
	s.Equal([][]byte{[]byte("NEW")}, shown)
	mu.Unlock()

	_, err = e.BindImage(b, "", "new", nil, apply)
	s.True(errors.Is(err, types.ErrInvalidArgument))
}

func (s *FlowTestSuite) TestBinderRebindWaitsForDelivery() {
	b := NewBinder()
	b.Bind("label", types.Text, "a")

	applying := make(chan struct{})
	release := make(chan struct{})
	delivered := make(chan bool)
	go func() {
		delivered <- b.Deliver("label", types.Text, "a", func() {
			close(applying)
			<-release
		})
	}()
	<-applying

	rebound := make(chan struct{})
	go func() {
		b.Bind("label", types.Text, "b")
		close(rebound)
	}()
	select {
	case <-rebound:
		s.Fail("rebind must not land while a value is being applied")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	s.True(<-delivered)
	<-rebound
	s.True(b.Bound("label", types.Text, "b"))
	s.False(b.Deliver("label", types.Text, "a", func() { s.Fail("stale value applied") }))
}

func (s *FlowTestSuite) TestEngineShutdownDeadlineCancelsHangingFetch() {
	e := s.newEngine()
	s.Require().NoError(e.Register(types.DeviceInfo{}))
	s.server.put(types.Text, "slow", "v", "h", nil)
	s.server.gate = make(chan struct{})
	defer close(s.server.gate)

	var got string
	done, err := e.GetTextAsync("slow", "fallback", false, func(v string) { got = v })
	s.Require().NoError(err)
	s.Eventually(func() bool { return s.server.fetches() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(s.ctx, 50*time.Millisecond)
	defer cancel()
	err = e.Shutdown(ctx)
	s.True(errors.Is(err, context.DeadlineExceeded))

	<-done
	s.Equal("fallback", got)
	s.Nil(s.stored(types.Text, "slow"), "a cancelled fetch leaves the cache alone")
	s.NoError(e.Shutdown(s.ctx))
}

func (s *FlowTestSuite) TestEngineShutdownWithinDeadline() {
	e := s.newEngine()
	s.Require().NoError(e.Register(types.DeviceInfo{}))
	ctx, cancel := context.WithTimeout(s.ctx, time.Second)
	defer cancel()
	s.NoError(e.Shutdown(ctx))
}
