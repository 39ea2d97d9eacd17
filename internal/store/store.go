// Package store はbadgerを用いたスキーマレスなドキュメントストアを提供する。
// ドキュメントは不透明なバイト列として扱い、内容は解釈しない。
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

var (
	// ErrNotFound はキーに対応するドキュメントが存在しないことを示す。
	ErrNotFound = errors.New("store: document not found")
	// ErrInvalidKey はコレクション名またはキーが不正であることを示す。
	ErrInvalidKey = errors.New("store: invalid collection or key")
	// ErrClosed はクローズ済みのストアに対する操作を示す。
	ErrClosed = errors.New("store: closed")
)

const (
	keySeparator = "/"
	// トランザクション競合時の最大再試行回数
	maxConflictRetries = 8
	gcInterval         = 5 * time.Minute
	gcDiscardRatio     = 0.5
)

// Document はコレクション内の1件のドキュメントを表す。
type Document struct {
	Collection string
	Key        string
	Value      []byte
}

// Store はbadger上のドキュメントストア。
// 全ての書き込みはbadgerのトランザクションで原子的に行う。
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	dir    string

	gcTicker *time.Ticker
	gcStopCh chan struct{}
	gcWg     sync.WaitGroup

	closeOnce sync.Once
}

// Option はStoreの生成オプション。
type Option func(*Store)

// WithDir はデータディレクトリを指定する。空の場合はインメモリで動作する。
func WithDir(dir string) Option {
	return func(s *Store) {
		s.dir = dir
	}
}

// WithLogger はbadger内部ログとGCログの出力先を指定する。
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open はStoreを開く。
func Open(opts ...Option) (*Store, error) {
	s := &Store{}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	var badgerOpts badger.Options
	if s.dir == "" {
		badgerOpts = badger.DefaultOptions("").
			WithInMemory(true)
	} else {
		if err := os.MkdirAll(s.dir, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		badgerOpts = badger.DefaultOptions(s.dir).
			WithCompression(options.Snappy)
	}
	badgerOpts = badgerOpts.
		WithLogger(newBadgerLogger(s.logger)).
		// INFOレベルは冗長なためWARNING以上のみ出力する
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	s.db = db

	if s.dir != "" {
		s.gcTicker = time.NewTicker(gcInterval)
		s.gcStopCh = make(chan struct{})
		s.gcWg.Add(1)
		go s.valueLogGC()
	}

	return s, nil
}

// Close はGCを停止してストアを閉じる。複数回呼んでも安全。
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.gcStopCh != nil {
			close(s.gcStopCh)
			s.gcTicker.Stop()
			s.gcWg.Wait()
		}
		err = s.db.Close()
	})
	return err
}

func (s *Store) valueLogGC() {
	defer s.gcWg.Done()
	for {
		select {
		case <-s.gcTicker.C:
			for {
				err := s.db.RunValueLogGC(gcDiscardRatio)
				if err == nil {
					continue
				}
				if !errors.Is(err, badger.ErrNoRewrite) {
					s.logger.Warn("badger value log GC failed",
						slog.String("error", err.Error()),
					)
				}
				break
			}
		case <-s.gcStopCh:
			return
		}
	}
}

func storageKey(collection, key string) ([]byte, error) {
	if collection == "" || key == "" || strings.Contains(collection, keySeparator) {
		return nil, ErrInvalidKey
	}
	return []byte(collection + keySeparator + key), nil
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return ErrClosed
	}
	return nil
}

// update は書き込みトランザクションを実行し、競合時は再試行する。
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if cerr := s.check(ctx); cerr != nil {
			return cerr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.logger.Debug("badger transaction conflict, retrying",
			slog.Int("attempt", attempt+1),
		)
	}
	return err
}

// Get はドキュメントを取得する。存在しない場合はErrNotFoundを返す。
func (s *Store) Get(ctx context.Context, collection, key string) ([]byte, error) {
	k, err := storageKey(collection, key)
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var val []byte
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", collection, key, err)
	}
	return val, nil
}

// Put はドキュメントを無条件に書き込む。
func (s *Store) Put(ctx context.Context, collection, key string, doc []byte) error {
	k, err := storageKey(collection, key)
	if err != nil {
		return err
	}
	if err := s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(k, doc)
	}); err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", collection, key, err)
	}
	return nil
}

// PutIfAbsent はキーが存在しない場合のみドキュメントを書き込む。
// 書き込んだ場合はtrue、既に存在した場合はfalseを返す。
func (s *Store) PutIfAbsent(ctx context.Context, collection, key string, doc []byte) (bool, error) {
	k, err := storageKey(collection, key)
	if err != nil {
		return false, err
	}

	var inserted bool
	err = s.update(ctx, func(txn *badger.Txn) error {
		inserted = false
		_, err := txn.Get(k)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(k, doc); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to insert %s/%s: %w", collection, key, err)
	}
	return inserted, nil
}

// CompareAndSwap は現在のドキュメントがexpectedと一致する場合のみnextに置き換える。
// 置き換えた場合はtrueを返す。キーが存在しない場合はErrNotFoundを返す。
func (s *Store) CompareAndSwap(ctx context.Context, collection, key string, expected, next []byte) (bool, error) {
	k, err := storageKey(collection, key)
	if err != nil {
		return false, err
	}

	var swapped bool
	err = s.update(ctx, func(txn *badger.Txn) error {
		swapped = false
		item, err := txn.Get(k)
		if err != nil {
			return err
		}
		current, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if !bytes.Equal(current, expected) {
			return nil
		}
		if err := txn.Set(k, next); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to compare-and-swap %s/%s: %w", collection, key, err)
	}
	return swapped, nil
}

// PutAll は複数のドキュメントを1トランザクションで書き込む。
// いずれかのキーが既に存在する場合は何も書き込まずfalseを返す。
func (s *Store) PutAll(ctx context.Context, docs []Document) (bool, error) {
	keys := make([][]byte, len(docs))
	for i, d := range docs {
		k, err := storageKey(d.Collection, d.Key)
		if err != nil {
			return false, err
		}
		keys[i] = k
	}

	var written bool
	err := s.update(ctx, func(txn *badger.Txn) error {
		written = false
		for _, k := range keys {
			_, err := txn.Get(k)
			if err == nil {
				return nil
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		for i, k := range keys {
			if err := txn.Set(k, docs[i].Value); err != nil {
				return err
			}
		}
		written = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to write %d documents: %w", len(docs), err)
	}
	return written, nil
}

// List はコレクション内でキーがprefixで始まるドキュメントを列挙する。
func (s *Store) List(ctx context.Context, collection, prefix string) ([]Document, error) {
	if collection == "" || strings.Contains(collection, keySeparator) {
		return nil, ErrInvalidKey
	}
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	collPrefix := collection + keySeparator
	scanPrefix := []byte(collPrefix + prefix)

	var docs []Document
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(scanPrefix); it.ValidForPrefix(scanPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			docs = append(docs, Document{
				Collection: collection,
				Key:        strings.TrimPrefix(string(item.Key()), collPrefix),
				Value:      val,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s/%s: %w", collection, prefix, err)
	}
	return docs, nil
}

// PingContext はストアが利用可能かを確認する。ヘルスチェック用。
func (s *Store) PingContext(ctx context.Context) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error { return nil })
}
