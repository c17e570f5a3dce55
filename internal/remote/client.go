// Package remote talks to the configuration service: URL building, the three wire calls and
// response parsing into typed results or errors.
package remote

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"

	"activeconfig/internal/ports"
	"activeconfig/internal/types"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
)

const (
	PathRegister    = "/ActiveConfig/v1/Register/"
	PathGetKey      = "/ActiveConfig/v1/GetKey"
	PathCheckUpdate = "/ActiveConfig/v1/CheckUpdate"
)

// Client implements ports.ConfigServer over a ports.Transport.
type Client struct {
	scheme    string
	host      string
	appKey    string
	appSecret string
	tr        ports.Transport
}

var _ ports.ConfigServer = (*Client)(nil)

func NewClient(settings types.Settings, tr ports.Transport) *Client {
	scheme := settings.Scheme
	if scheme == "" {
		scheme = types.DefaultScheme
	}
	host := settings.Host
	if host == "" {
		host = types.DefaultHost
	}
	return &Client{
		scheme:    scheme,
		host:      host,
		appKey:    settings.AppKey,
		appSecret: settings.AppSecret,
		tr:        tr,
	}
}

// buildURL returns scheme://host/path?appid=..&secretkey=..[&key=..].
func (c *Client) buildURL(path string, key string) string {
	q := url.Values{}
	q.Set("appid", c.appKey)
	q.Set("secretkey", c.appSecret)
	if key != "" {
		q.Set("key", key)
	}
	u := url.URL{Scheme: c.scheme, Host: c.host, Path: path, RawQuery: q.Encode()}
	return u.String()
}

func (c *Client) Register(ctx context.Context, info types.DeviceInfo) error {
	infoJSON, err := json.Marshal(info)
	if err != nil {
		return err
	}
	form := url.Values{}
	form.Set("appid", c.appKey)
	form.Set("secretkey", c.appSecret)
	form.Set("info", string(infoJSON))

	body, err := c.tr.PostForm(ctx, c.buildURL(PathRegister, ""), form.Encode())
	if err != nil {
		return err
	}
	_, err = parseEnvelope(body)
	return err
}

func (c *Client) FetchOne(ctx context.Context, key string, t types.ConfigType) (types.ConfigEntry, error) {
	body, err := c.tr.FetchText(ctx, c.buildURL(PathGetKey, key+":"+strconv.Itoa(int(t))))
	if err != nil {
		return types.ConfigEntry{}, err
	}
	env, err := parseEnvelope(body)
	if err != nil {
		return types.ConfigEntry{}, err
	}
	items, err := parseItems(env.Data)
	if err != nil {
		return types.ConfigEntry{}, err
	}
	if len(items) != 1 {
		return types.ConfigEntry{}, types.Err(types.ErrKeyNotFound, nil, "%s", key)
	}
	item := items[0]
	if isNotFoundMarker(item.Status) {
		return types.ConfigEntry{}, types.Err(types.ErrKeyNotFound, nil, "%s", key)
	}
	if _, err := types.ParseConfigType(string(item.Type)); err != nil {
		return types.ConfigEntry{}, err
	}
	exp, err := parseEndTime(item.EndTime)
	if err != nil {
		return types.ConfigEntry{}, err
	}
	// The entry is keyed by what was asked for, so it always lands on the caller's id.
	return types.ConfigEntry{
		ID:         types.EntryID(t, key),
		Key:        key,
		Type:       t,
		Value:      string(item.Value),
		ExpireTime: exp,
		Hash:       item.MD5,
		Status:     types.StatusOK,
	}, nil
}

func (c *Client) FetchBatch(ctx context.Context, entries []types.ConfigEntry) ([]types.Delta, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	triples := make([]string, 0, len(entries))
	for _, e := range entries {
		triples = append(triples, e.Key+","+e.Hash+","+strconv.Itoa(int(e.Type)))
	}
	body, err := c.tr.FetchText(ctx, c.buildURL(PathCheckUpdate, strings.Join(triples, ";")))
	if err != nil {
		return nil, err
	}
	env, err := parseEnvelope(body)
	if err != nil {
		return nil, err
	}
	items, err := parseItems(env.Data)
	if err != nil {
		return nil, err
	}

	deltas := make([]types.Delta, 0, len(items))
	for _, item := range items {
		t, err := types.ParseConfigType(string(item.Type))
		if err != nil {
			return nil, err
		}
		st, err := types.ParseDeltaStatus(item.Status)
		if err != nil {
			return nil, err
		}
		d := types.Delta{Key: item.Key, Type: t, Status: st}
		switch st {
		case types.DeltaNoUpdate:
			continue
		case types.DeltaSuccess:
			exp, err := parseEndTime(item.EndTime)
			if err != nil {
				return nil, err
			}
			d.Value = string(item.Value)
			d.ExpireTime = exp
			d.Hash = item.MD5
		}
		deltas = append(deltas, d)
	}
	log.WithFields(log.Fields{
		"sent":    len(entries),
		"changed": len(deltas),
	}).Debug("batch update check done")
	return deltas, nil
}

// IsKeyNotFound reports whether err is the server explicitly denying a key.
func IsKeyNotFound(err error) bool {
	return errors.Is(err, types.ErrKeyNotFound)
}
