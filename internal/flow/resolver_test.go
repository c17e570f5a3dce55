package flow

import (
	"sync"
	"time"

	"activeconfig/internal/types"
)

func (s *FlowTestSuite) TestUnknownKeyWithoutNetworkServesDefault() {
	s.server.fetchErr = types.Err(types.ErrTransport, types.ErrConnect, "offline")

	res := s.resolver.ResolveText(s.ctx, "never-seen", "fallback", false)
	s.Equal("fallback", res.Value)
	s.Equal(ServedDefault, res.Source)
	s.Nil(s.stored(types.Text, "never-seen"), "a transport error must not touch the cache")
}

func (s *FlowTestSuite) TestProtocolErrorLeavesCacheAlone() {
	s.server.put(types.Text, "title", "old", "h1", s.at(-time.Minute))
	res := s.resolver.ResolveText(s.ctx, "title", "d", true)
	s.Equal("old", res.Value)

	s.server.fetchErr = types.Err(types.ErrProtocol, nil, "bad body")
	res = s.resolver.ResolveText(s.ctx, "title", "d", true)
	s.Equal("d", res.Value)
	s.Equal(ServedDefault, res.Source)
	e := s.stored(types.Text, "title")
	s.Require().NotNil(e)
	s.Equal("old", e.Value)
	s.Equal(types.StatusOK, e.Status)
}

func (s *FlowTestSuite) TestNegativeCache() {
	s.server.deny(types.Text, "promo")

	res := s.resolver.ResolveText(s.ctx, "promo", "Sale!", false)
	s.Equal("Sale!", res.Value)
	s.Equal(ServedNegative, res.Source)
	s.Equal(1, s.server.fetches())

	e := s.stored(types.Text, "promo")
	s.Require().NotNil(e)
	s.Equal(types.StatusKeyNotFound, e.Status)

	for i := 0; i < 3; i++ {
		res = s.resolver.ResolveText(s.ctx, "promo", "Sale!", i%2 == 0)
		s.Equal("Sale!", res.Value)
	}
	s.Equal(1, s.server.fetches(), "negative entries never go back to the network")
}

func (s *FlowTestSuite) TestNoRefetchBeforeExpiry() {
	s.server.put(types.Text, "title", "Hello", "h1", s.at(time.Hour))

	res := s.resolver.ResolveText(s.ctx, "title", "d", false)
	s.Equal("Hello", res.Value)
	s.Equal(ServedFresh, res.Source)

	// same tick round trip
	res = s.resolver.ResolveText(s.ctx, "title", "d", false)
	s.Equal("Hello", res.Value)
	s.Equal(ServedCached, res.Source)

	s.now = s.now.Add(59 * time.Minute)
	res = s.resolver.ResolveText(s.ctx, "title", "d", false)
	s.Equal(ServedCached, res.Source)
	s.Equal(1, s.server.fetches())
}

func (s *FlowTestSuite) TestExpiredEntryIsFetchedOnceAndExpiryIncreases() {
	s.server.put(types.Text, "title", "v1", "h1", s.at(time.Minute))
	s.resolver.ResolveText(s.ctx, "title", "d", false)
	old := s.stored(types.Text, "title").ExpireTime
	s.Require().NotNil(old)

	s.now = s.now.Add(2 * time.Minute)
	s.server.put(types.Text, "title", "v2", "h2", s.at(time.Hour))

	res := s.resolver.ResolveText(s.ctx, "title", "d", false)
	s.Equal("v2", res.Value)
	s.Equal(ServedFresh, res.Source)
	s.Equal(2, s.server.fetches())

	e := s.stored(types.Text, "title")
	s.Require().NotNil(e.ExpireTime)
	s.True(e.ExpireTime.After(*old))
	s.Equal("h2", e.Hash)
}

func (s *FlowTestSuite) TestForceRefreshAlwaysFetches() {
	s.server.put(types.Text, "title", "v1", "h1", s.at(time.Hour))
	s.resolver.ResolveText(s.ctx, "title", "d", false)
	s.server.put(types.Text, "title", "v2", "h2", s.at(time.Hour))

	res := s.resolver.ResolveText(s.ctx, "title", "d", true)
	s.Equal("v2", res.Value)
	s.Equal(2, s.server.fetches())
}

func (s *FlowTestSuite) TestEntryWithoutExpiryStaysCached() {
	s.server.put(types.Text, "motd", "hi", "h", nil)
	s.resolver.ResolveText(s.ctx, "motd", "d", false)
	s.now = s.now.Add(365 * 24 * time.Hour)
	res := s.resolver.ResolveText(s.ctx, "motd", "d", false)
	s.Equal(ServedCached, res.Source)
	s.Equal(1, s.server.fetches())
}

func (s *FlowTestSuite) TestImageDownloadsBlob() {
	s.server.put(types.Image, "banner", "http://x/a.png", "h1", s.at(time.Hour))
	s.tr.blobs["http://x/a.png"] = []byte("PNG-A")

	res := s.resolver.ResolveImage(s.ctx, "banner", []byte("default"), false)
	s.Equal([]byte("PNG-A"), res.Blob)
	s.Equal(1, s.tr.downloads())
	s.Equal([]byte("PNG-A"), s.stored(types.Image, "banner").Blob)

	res = s.resolver.ResolveImage(s.ctx, "banner", []byte("default"), false)
	s.Equal([]byte("PNG-A"), res.Blob)
	s.Equal(ServedCached, res.Source)
	s.Equal(1, s.tr.downloads())
	s.Equal(1, s.server.fetches())
}

func (s *FlowTestSuite) TestFreshImageWithoutBlobTriggersDownload() {
	exp := s.at(time.Hour)
	s.Require().NoError(s.store.Upsert(s.ctx, types.ConfigEntry{
		ID: types.EntryID(types.Image, "logo"), Key: "logo", Type: types.Image,
		Value: "http://x/logo.png", Hash: "h", ExpireTime: exp,
	}))
	s.tr.blobs["http://x/logo.png"] = []byte("LOGO")

	res := s.resolver.ResolveImage(s.ctx, "logo", nil, false)
	s.Equal([]byte("LOGO"), res.Blob)
	s.Equal(0, s.server.fetches())
	s.Equal(1, s.tr.downloads())
}

func (s *FlowTestSuite) TestUnreachableImageMarksInvalidPath() {
	s.server.put(types.Image, "banner", "http://down/a.png", "h1", s.at(time.Hour))
	s.tr.unreach["http://down/a.png"] = true

	res := s.resolver.ResolveImage(s.ctx, "banner", []byte("default"), false)
	s.Equal([]byte("default"), res.Blob)
	s.Equal(ServedDefault, res.Source)
	s.Equal(types.StatusInvalidPath, s.stored(types.Image, "banner").Status)

	// still fresh: no retry of either call
	res = s.resolver.ResolveImage(s.ctx, "banner", []byte("default"), false)
	s.Equal([]byte("default"), res.Blob)
	s.Equal(1, s.tr.downloads())
	s.Equal(1, s.server.fetches())

	// after expiry the whole metadata and blob fetch is tried again
	s.now = s.now.Add(2 * time.Hour)
	s.server.put(types.Image, "banner", "http://x/b.png", "h2", s.at(time.Hour))
	s.tr.blobs["http://x/b.png"] = []byte("PNG-B")
	res = s.resolver.ResolveImage(s.ctx, "banner", []byte("default"), false)
	s.Equal([]byte("PNG-B"), res.Blob)
	s.Equal(types.StatusOK, s.stored(types.Image, "banner").Status)
}

func (s *FlowTestSuite) TestImageHttpErrorDoesNotMarkInvalidPath() {
	s.server.put(types.Image, "banner", "http://x/missing.png", "h1", s.at(time.Hour))

	res := s.resolver.ResolveImage(s.ctx, "banner", []byte("default"), false)
	s.Equal([]byte("default"), res.Blob)
	s.Equal(types.StatusOK, s.stored(types.Image, "banner").Status)
}

func (s *FlowTestSuite) TestImageKeyNotFound() {
	s.server.deny(types.Image, "ghost")
	res := s.resolver.ResolveImage(s.ctx, "ghost", []byte("d"), false)
	s.Equal([]byte("d"), res.Blob)
	s.Equal(types.StatusKeyNotFound, s.stored(types.Image, "ghost").Status)
	s.Equal(0, s.tr.downloads())
}

func (s *FlowTestSuite) TestTextAndImageKeysAreSeparate() {
	s.server.put(types.Text, "k", "text", "h1", nil)
	s.server.deny(types.Image, "k")

	s.Equal("text", s.resolver.ResolveText(s.ctx, "k", "d", false).Value)
	s.Equal([]byte("d"), s.resolver.ResolveImage(s.ctx, "k", []byte("d"), false).Blob)
	s.Equal(types.StatusOK, s.stored(types.Text, "k").Status)
	s.Equal(types.StatusKeyNotFound, s.stored(types.Image, "k").Status)
}

func (s *FlowTestSuite) TestConcurrentFetchesWithoutDedup() {
	s.server.put(types.Text, "hot", "v", "h", nil)
	s.server.gate = make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Equal("v", s.resolver.ResolveText(s.ctx, "hot", "d", false).Value)
		}()
	}
	s.Eventually(func() bool { return s.server.fetches() == 3 }, time.Second, 5*time.Millisecond)
	close(s.server.gate)
	wg.Wait()
}

func (s *FlowTestSuite) TestConcurrentFetchesJoinedWithDedup() {
	r := NewResolver(s.store, s.server, s.blobs, true)
	s.server.put(types.Text, "hot", "v", "h", nil)
	s.server.gate = make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Equal("v", r.ResolveText(s.ctx, "hot", "d", false).Value)
		}()
	}
	s.Eventually(func() bool { return s.server.fetches() == 1 }, time.Second, 5*time.Millisecond)
	// give the other callers time to join the flight
	time.Sleep(50 * time.Millisecond)
	close(s.server.gate)
	wg.Wait()
	s.Equal(1, s.server.fetches())
}
