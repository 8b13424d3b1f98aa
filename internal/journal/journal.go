// Package journal archives applied reconciliation plans as immutable JSON
// documents in a blob store, keyed by the root they were planned for.
package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"graphmerge/internal/blob"
	"graphmerge/pkg/domain"
)

// Prefix is the key prefix under which all plans are written.
const Prefix = "plans/"

const maxKeyAttempts = 8

// Entry is one archived plan.
type Entry struct {
	Key        string        `json:"-"`
	Root       domain.Ref    `json:"root"`
	RecordedAt time.Time     `json:"recordedAt"`
	Plan       domain.Plan   `json:"plan"`
	Assigned   map[int]int64 `json:"assigned,omitempty"`
}

// Journal writes and reads plan archives.
type Journal struct {
	store  blob.Store
	logger *zap.Logger
	nowFn  func() time.Time
}

// New returns a journal on store. A nil logger is replaced by a no-op logger.
func New(store blob.Store, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{
		store:  store,
		logger: logger.With(zap.String("component", "journal"), zap.String("driver", string(store.Driver()))),
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// RootPrefix returns the key prefix of every plan recorded for a root.
// A zero id selects all roots of the type.
func RootPrefix(rootType string, id int64) string {
	if id == 0 {
		return Prefix + rootType + "/"
	}
	return fmt.Sprintf("%s%s/%d/", Prefix, rootType, id)
}

// Record archives an applied plan and returns its key. A root inserted by
// the plan is resolved to its assigned identity first.
func (j *Journal) Record(ctx context.Context, plan domain.Plan, applied domain.Applied) (string, error) {
	root := plan.Root
	if root.Type == "" {
		return "", errors.New("journal: plan has no root")
	}
	id, ok := applied.Resolve(root)
	if !ok {
		return "", fmt.Errorf("journal: root %s was not assigned an identity", root)
	}
	root = domain.Ref{Type: root.Type, ID: id}
	at := j.nowFn()
	entry := Entry{Root: root, RecordedAt: at, Plan: plan, Assigned: applied.Assigned}
	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("journal: encode plan: %w", err)
	}
	opts := blob.PutOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"root":       root.String(),
			"operations": strconv.Itoa(len(plan.Operations)),
		},
	}
	stamp := at.UnixNano()
	for range maxKeyAttempts {
		key := RootPrefix(root.Type, root.ID) + strconv.FormatInt(stamp, 10) + ".json"
		_, err := j.store.Put(ctx, key, bytes.NewReader(data), opts)
		if err == nil {
			j.logger.Debug("plan archived", zap.String("key", key), zap.Int("operations", len(plan.Operations)))
			return key, nil
		}
		if !errors.Is(err, blob.ErrExists) {
			return "", fmt.Errorf("journal: write %s: %w", key, err)
		}
		stamp++
	}
	return "", fmt.Errorf("journal: no free key for %s", root)
}

// List returns the archived plan keys for a root, oldest first. A zero id
// lists every root of the type, interleaved by recording time.
func (j *Journal) List(ctx context.Context, rootType string, id int64) ([]string, error) {
	infos, err := j.store.List(ctx, RootPrefix(rootType, id))
	if err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	keys := make([]string, 0, len(infos))
	stamps := make(map[string]int64, len(infos))
	for _, info := range infos {
		name, ok := strings.CutSuffix(path.Base(info.Key), ".json")
		if !ok {
			continue
		}
		// Keys not written by Record sort after the stamped ones.
		stamp, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			stamp = math.MaxInt64
		}
		keys = append(keys, info.Key)
		stamps[info.Key] = stamp
	}
	sort.SliceStable(keys, func(a, b int) bool {
		if stamps[keys[a]] != stamps[keys[b]] {
			return stamps[keys[a]] < stamps[keys[b]]
		}
		return keys[a] < keys[b]
	})
	return keys, nil
}

// Read loads an archived plan.
func (j *Journal) Read(ctx context.Context, key string) (Entry, error) {
	_, rc, err := j.store.Get(ctx, key)
	if err != nil {
		return Entry{}, fmt.Errorf("journal: read %s: %w", key, err)
	}
	defer func() { _ = rc.Close() }()
	var entry Entry
	dec := json.NewDecoder(rc)
	dec.UseNumber()
	if err := dec.Decode(&entry); err != nil {
		return Entry{}, fmt.Errorf("journal: decode %s: %w", key, err)
	}
	entry.Key = key
	return entry, nil
}
