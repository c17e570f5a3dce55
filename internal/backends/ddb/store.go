package ddb

import (
	"context"
	"strconv"
	"sync"
	"time"

	"activeconfig/internal/backends/codec"
	"activeconfig/internal/ports"
	"activeconfig/internal/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbTypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	log "github.com/sirupsen/logrus"
)

// maxCASRetries bounds retries of a conditional write that lost to another writer.
const maxCASRetries = 5

// MaxItemBlobBytes is the largest compressed blob kept in an item. DynamoDB items are capped at
// 400 KB, and the rest of the entry needs room too.
const MaxItemBlobBytes = 350 << 10

// entryItem is the DynamoDB item for one entry. Blob is zstd-compressed; ExpireTime is unix seconds
// and 0 when absent.
type entryItem struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	Key        string `dynamodbav:"key"`
	Type       int    `dynamodbav:"type"`
	Value      string `dynamodbav:"value"`
	Blob       []byte `dynamodbav:"blob,omitempty"`
	ExpireTime int64  `dynamodbav:"expire_time"`
	Hash       string `dynamodbav:"md5"`
	Status     int    `dynamodbav:"status"`
	// Version is maintained by the store for conditional writes.
	Version int64 `dynamodbav:"ver"`
}

// Store implements ports.EntryStore on a DynamoDB table.
type Store struct {
	mu    sync.Mutex
	table string
	cli   *dynamodb.Client
}

var _ ports.EntryStore = (*Store)(nil)

func NewStore(ctx context.Context, table string, cli *dynamodb.Client) (*Store, error) {
	// Creates the table only if it doesn't exist.
	if err := createTableIfNotExists(ctx, cli, table); err != nil {
		return nil, err
	}
	return &Store{table: table, cli: cli}, nil
}

func (s *Store) Get(ctx context.Context, id string) (*types.ConfigEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, _, err := s.load(ctx, id)
	return e, err
}

func (s *Store) load(ctx context.Context, id string) (*types.ConfigEntry, int64, error) {
	out, err := s.cli.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.table,
		ConsistentRead: awsBool(true),
		Key: map[string]ddbTypes.AttributeValue{
			"PK": &ddbTypes.AttributeValueMemberS{Value: pkEntry(id)},
			"SK": &ddbTypes.AttributeValueMemberS{Value: skEntry()},
		},
	})
	if err != nil {
		return nil, 0, types.Err(types.ErrEntryStoreAccess, err, "get %s", id)
	}
	if out.Item == nil {
		return nil, 0, nil
	}
	var it entryItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		log.WithError(err).WithField("id", id).Warn("unreadable entry treated as absent")
		return nil, 0, nil
	}
	e, err := fromItem(id, it)
	if err != nil {
		log.WithError(err).WithField("id", id).Warn("unreadable entry treated as absent")
		return nil, it.Version, nil
	}
	return &e, it.Version, nil
}

// Upsert writes unconditionally, bumping the version so concurrent Mutate calls retry.
func (s *Store) Upsert(ctx context.Context, entry types.ConfigEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ver, err := s.load(ctx, entry.ID)
	if err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(toItem(entry, ver+1))
	if err != nil {
		return err
	}
	_, err = s.cli.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.table,
		Item:      av,
	})
	if err != nil {
		return types.Err(types.ErrEntryStoreAccess, err, "upsert %s", entry.ID)
	}
	return nil
}

// Mutate loads, applies fn and writes back only if the version is unchanged.
// On create (version 0) the item must not exist.
func (s *Store) Mutate(ctx context.Context, id string, fn ports.MutateFunc) (*types.ConfigEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < maxCASRetries; i++ {
		cur, ver, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		next, write := fn(cur)
		if !write {
			return cur, nil
		}
		next.ID = id
		ok, err := s.putCAS(ctx, next, ver)
		if err != nil {
			return nil, err
		}
		if ok {
			stored := next.Clone()
			return &stored, nil
		}
		// CAS raced, reload and apply again.
	}
	return nil, types.Err(types.ErrEntryStoreAccess, nil, "mutate %s: too many conditional write failures", id)
}

func (s *Store) putCAS(ctx context.Context, e types.ConfigEntry, prevVersion int64) (bool, error) {
	av, err := attributevalue.MarshalMap(toItem(e, prevVersion+1))
	if err != nil {
		return false, err
	}
	in := &dynamodb.PutItemInput{
		TableName: &s.table,
		Item:      av,
	}
	if prevVersion == 0 {
		in.ConditionExpression = awsString("attribute_not_exists(PK) AND attribute_not_exists(SK)")
	} else {
		in.ConditionExpression = awsString("#ver = :prev")
		in.ExpressionAttributeNames = map[string]string{"#ver": "ver"}
		in.ExpressionAttributeValues = map[string]ddbTypes.AttributeValue{
			":prev": &ddbTypes.AttributeValueMemberN{Value: itoa(prevVersion)},
		}
	}
	_, err = s.cli.PutItem(ctx, in)
	if err != nil {
		var cc *ddbTypes.ConditionalCheckFailedException
		if errorAs(err, &cc) {
			return false, nil
		}
		return false, types.Err(types.ErrEntryStoreAccess, err, "put %s", e.ID)
	}
	return true, nil
}

func (s *Store) All(ctx context.Context) ([]types.ConfigEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := dynamodb.NewScanPaginator(s.cli, &dynamodb.ScanInput{
		TableName:        &s.table,
		ConsistentRead:   awsBool(true),
		FilterExpression: awsString("begins_with(PK, :pk)"),
		ExpressionAttributeValues: map[string]ddbTypes.AttributeValue{
			":pk": &ddbTypes.AttributeValueMemberS{Value: SEntry + "#"},
		},
	})
	var out []types.ConfigEntry
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, types.Err(types.ErrEntryStoreAccess, err, "scan")
		}
		for _, item := range page.Items {
			var it entryItem
			if err := attributevalue.UnmarshalMap(item, &it); err != nil {
				log.WithError(err).Warn("skipping unreadable entry")
				continue
			}
			id, err := parseEntryID(it.PK)
			if err != nil {
				continue
			}
			e, err := fromItem(id, it)
			if err != nil {
				log.WithError(err).WithField("id", id).Warn("skipping unreadable entry")
				continue
			}
			out = append(out, e)
		}
	}
	return out, nil
}

// Reset deletes and recreates the table.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.cli.DeleteTable(ctx, &dynamodb.DeleteTableInput{
		TableName: &s.table,
	})
	var nf *ddbTypes.ResourceNotFoundException
	if err != nil && !errorAs(err, &nf) {
		return types.Err(types.ErrEntryStoreAccess, err, "delete table %s", s.table)
	}
	// wait until the table is deleted
	err = dynamodb.NewTableNotExistsWaiter(s.cli).Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	}, 30*time.Second)
	if err != nil {
		return types.Err(types.ErrEntryStoreAccess, err, "wait for table %s deletion", s.table)
	}
	return createTableIfNotExists(ctx, s.cli, s.table)
}

func (s *Store) Close() error { return nil }

func toItem(e types.ConfigEntry, ver int64) entryItem {
	it := entryItem{
		PK:      pkEntry(e.ID),
		SK:      skEntry(),
		Key:     e.Key,
		Type:    int(e.Type),
		Value:   e.Value,
		Blob:    codec.EncodeBlob(e.Blob),
		Hash:    e.Hash,
		Status:  int(e.Status),
		Version: ver,
	}
	// Oversized images are not kept; the entry is still written and the image downloaded on use.
	if len(it.Blob) > MaxItemBlobBytes {
		log.WithFields(log.Fields{"id": e.ID, "size": len(it.Blob)}).Warn("blob too large for item, not stored")
		it.Blob = nil
	}
	if e.ExpireTime != nil {
		it.ExpireTime = e.ExpireTime.Unix()
	}
	return it
}

func fromItem(id string, it entryItem) (types.ConfigEntry, error) {
	blob, err := codec.DecodeBlob(it.Blob)
	if err != nil {
		return types.ConfigEntry{}, err
	}
	e := types.ConfigEntry{
		ID:     id,
		Key:    it.Key,
		Type:   types.ConfigType(it.Type),
		Value:  it.Value,
		Blob:   blob,
		Hash:   it.Hash,
		Status: types.ItemStatus(it.Status),
	}
	if it.ExpireTime != 0 {
		t := time.Unix(it.ExpireTime, 0)
		e.ExpireTime = &t
	}
	return e, nil
}

func itoa(i int64) string { return strconv.FormatInt(i, 10) }
