package recordlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/flowtrack/pkg/types"
)

const redisScanPage = 256

// appendScript checks the record ID and sequence and appends in one step.
//
// KEYS: stream, last-seq counter, record-id hash, sealed set
// ARGV: run id, seq, record id, payload
var appendScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[4], ARGV[1]) == 1 then return -4 end
if redis.call('HEXISTS', KEYS[3], ARGV[3]) == 1 then return -1 end
local last = tonumber(redis.call('GET', KEYS[2]) or '0')
local seq = tonumber(ARGV[2])
if seq <= last then return -2 end
if seq ~= last + 1 then return -3 end
redis.call('XADD', KEYS[1], '0-' .. ARGV[2], 'r', ARGV[4])
redis.call('SET', KEYS[2], ARGV[2])
redis.call('HSET', KEYS[3], ARGV[3], ARGV[1] .. '|' .. ARGV[2])
return seq
`)

// RedisLog stores each run's records in a stream whose entry IDs are the
// sequence numbers. Durability depends on the server's AOF settings.
type RedisLog struct {
	client *redis.Client
	prefix string
}

// NewRedisLog wraps an existing client.
func NewRedisLog(client *redis.Client, prefix string) *RedisLog {
	if prefix == "" {
		prefix = "flowtrack"
	}
	return &RedisLog{client: client, prefix: prefix}
}

func (l *RedisLog) streamKey(runID string) string {
	return fmt.Sprintf("%s:records:%s", l.prefix, runID)
}

func (l *RedisLog) lastKey(runID string) string {
	return fmt.Sprintf("%s:records:%s:last", l.prefix, runID)
}

func (l *RedisLog) idsKey() string {
	return l.prefix + ":record-ids"
}

func (l *RedisLog) sealedKey() string {
	return l.prefix + ":records:sealed"
}

func (l *RedisLog) Append(ctx context.Context, rec *types.FlowRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	keys := []string{l.streamKey(rec.RunID), l.lastKey(rec.RunID), l.idsKey(), l.sealedKey()}
	res, err := appendScript.Run(ctx, l.client, keys,
		rec.RunID, rec.SequenceNumber, rec.RecordID, payload).Int64()
	if err != nil {
		return fmt.Errorf("%w: redis append: %v", types.ErrDurability, err)
	}

	switch res {
	case -1:
		return ErrRecordExists
	case -2:
		return fmt.Errorf("%w: seq %d", ErrSequenceTaken, rec.SequenceNumber)
	case -3:
		return fmt.Errorf("%w: seq %d leaves a gap", types.ErrInvalidArgument, rec.SequenceNumber)
	case -4:
		return ErrSealed
	}
	return nil
}

func (l *RedisLog) Scan(ctx context.Context, runID string, from int64) iter.Seq2[*types.FlowRecord, error] {
	return func(yield func(*types.FlowRecord, error) bool) {
		last, err := l.LastSequence(ctx, runID)
		if err != nil {
			yield(nil, err)
			return
		}
		if from < 0 {
			from = 0
		}

		stop := "0-" + strconv.FormatInt(last, 10)
		cursor := from
		for cursor < last {
			msgs, err := l.client.XRangeN(ctx, l.streamKey(runID),
				"(0-"+strconv.FormatInt(cursor, 10), stop, redisScanPage).Result()
			if err != nil {
				yield(nil, fmt.Errorf("%w: redis scan: %v", types.ErrDurability, err))
				return
			}
			if len(msgs) == 0 {
				return
			}
			for _, msg := range msgs {
				rec, err := decodeMessage(msg)
				if err != nil {
					yield(nil, err)
					return
				}
				if !yield(rec, nil) {
					return
				}
				cursor = rec.SequenceNumber
			}
		}
	}
}

func (l *RedisLog) Lookup(ctx context.Context, recordID string) (*types.FlowRecord, error) {
	ref, err := l.client.HGet(ctx, l.idsKey(), recordID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup record: %w", err)
	}

	i := strings.LastIndexByte(ref, '|')
	if i < 0 {
		return nil, fmt.Errorf("malformed record ref %q", ref)
	}
	runID, seq := ref[:i], ref[i+1:]

	msgs, err := l.client.XRange(ctx, l.streamKey(runID), "0-"+seq, "0-"+seq).Result()
	if err != nil {
		return nil, fmt.Errorf("lookup record: %w", err)
	}
	if len(msgs) == 0 {
		return nil, ErrRecordNotFound
	}
	return decodeMessage(msgs[0])
}

func (l *RedisLog) LastSequence(ctx context.Context, runID string) (int64, error) {
	last, err := l.client.Get(ctx, l.lastKey(runID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("last sequence: %w", err)
	}
	return last, nil
}

func (l *RedisLog) Seal(ctx context.Context, runID string) error {
	return l.client.SAdd(ctx, l.sealedKey(), runID).Err()
}

func (l *RedisLog) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close is a no-op; the shared client is closed by its owner.
func (l *RedisLog) Close() error { return nil }

func decodeMessage(msg redis.XMessage) (*types.FlowRecord, error) {
	raw, ok := msg.Values["r"].(string)
	if !ok {
		return nil, fmt.Errorf("stream entry %s has no record", msg.ID)
	}
	var rec types.FlowRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode stream entry %s: %w", msg.ID, err)
	}
	return &rec, nil
}

var (
	_ Log    = (*RedisLog)(nil)
	_ Sealer = (*RedisLog)(nil)
	_ Pinger = (*RedisLog)(nil)
)
