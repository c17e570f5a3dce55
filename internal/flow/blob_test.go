package flow

import (
	"net/http"
	"net/http/httptest"
	"time"

	"activeconfig/internal/transport"
	"activeconfig/internal/types"
)

func (s *FlowTestSuite) TestOversizedImageIsNotCached() {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("PNG-PAYLOAD-THAT-IS-TOO-LONG"))
	}))
	defer srv.Close()

	tr := transport.NewHTTPWithClient(srv.Client(), 16)
	r := NewResolver(s.store, s.server, NewBlobLoader(s.store, tr), false)
	s.server.put(types.Image, "hero", srv.URL+"/hero.png", "h1", s.at(time.Hour))

	res := r.ResolveImage(s.ctx, "hero", []byte("default"), false)
	s.Equal([]byte("default"), res.Blob)
	s.Equal(ServedDefault, res.Source)

	e := s.stored(types.Image, "hero")
	s.Require().NotNil(e)
	s.Equal(types.StatusOK, e.Status, "an oversized body is not a connection failure")
	s.Empty(e.Blob)

	// the next resolution tries the download again
	res = r.ResolveImage(s.ctx, "hero", []byte("default"), false)
	s.Equal([]byte("default"), res.Blob)
	s.Equal(1, s.server.fetches())
}
