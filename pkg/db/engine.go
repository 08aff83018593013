package db

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"minidb/pkg/buffer"
	"minidb/pkg/config"
	"minidb/pkg/storage/disk"
	"minidb/pkg/storage/index"
	"minidb/pkg/telemetry"
)

var (
	ErrValueTooLong = errors.New("value too long")
	ErrEngineClosed = errors.New("engine closed")
)

// Engine 持有一个数据文件上的全部资源，所有会话共享
type Engine struct {
	DiskManager *disk.DiskManagerImpl
	BPM         *buffer.BufferPoolManager
	Catalog     *Catalog

	valueSize int
	logger    *zap.Logger
	tracer    trace.Tracer

	// 普通命令持有读锁，flush 和 close 持有写锁，保证刷盘时没有正在修改的页
	mu     sync.RWMutex
	closed bool
}

// NewEngine 按配置打开数据文件、缓冲池和已有的索引。tel 为 nil 时不记录 metrics 和 trace
func NewEngine(cfg *config.Config, logger *zap.Logger, tel *telemetry.Telemetry) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := nooptrace.NewTracerProvider().Tracer("")
	bpmOpts := []buffer.Option{
		buffer.WithLogger(logger.Named("buffer")),
		buffer.WithBucketSize(cfg.Buffer.BucketSize),
	}
	if tel != nil {
		tracer = tel.Tracer
		bpmOpts = append(bpmOpts, buffer.WithMeter(tel.Meter))
	}
	if cfg.Buffer.Replacer == config.ReplacerLRU {
		bpmOpts = append(bpmOpts, buffer.WithReplacer(buffer.NewLRUReplacer(cfg.Buffer.PoolSize)))
	} else {
		bpmOpts = append(bpmOpts, buffer.WithReplacerK(cfg.Buffer.ReplacerK))
	}

	dm, err := disk.NewDiskManager(cfg.DataFile, disk.WithLogger(logger.Named("disk")))
	if err != nil {
		return nil, err
	}
	bpm := buffer.NewBufferPoolManager(dm, cfg.Buffer.PoolSize, bpmOpts...)

	var treeOpts []index.Option
	if cfg.Index.LeafMaxSize > 0 {
		treeOpts = append(treeOpts, index.WithLeafMaxSize(cfg.Index.LeafMaxSize))
	}
	if cfg.Index.InternalMaxSize > 0 {
		treeOpts = append(treeOpts, index.WithInternalMaxSize(cfg.Index.InternalMaxSize))
	}
	catalog, err := NewCatalog(bpm, cfg.Index.ValueSize, logger.Named("index"), treeOpts...)
	if err != nil {
		return nil, errors.Join(err, dm.Close())
	}

	logger.Info("engine opened",
		zap.String("file", cfg.DataFile),
		zap.Int("pool_size", cfg.Buffer.PoolSize),
		zap.String("replacer", cfg.Buffer.Replacer))
	return &Engine{
		DiskManager: dm,
		BPM:         bpm,
		Catalog:     catalog,
		valueSize:   cfg.Index.ValueSize,
		logger:      logger,
		tracer:      tracer,
	}, nil
}

// Session 是一个客户端连接的上下文，只用于日志和 trace
type Session struct {
	ID     string
	Engine *Engine
	Logger *zap.Logger
}

func (e *Engine) NewSession() *Session {
	id := uuid.New().String()
	return &Session{
		ID:     id,
		Engine: e,
		Logger: e.logger.With(zap.String("session", id)),
	}
}

// rlock 获取读锁；Engine 已关闭时不持有锁并返回 ErrEngineClosed
func (e *Engine) rlock() error {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return ErrEngineClosed
	}
	return nil
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "engine."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// ---------------- 索引管理 ----------------

func (e *Engine) CreateIndex(ctx context.Context, name string) (err error) {
	_, span := e.startSpan(ctx, "create_index", attribute.String("index", name))
	defer func() { endSpan(span, err) }()

	if err = e.rlock(); err != nil {
		return err
	}
	defer e.mu.RUnlock()
	if _, err = e.Catalog.CreateIndex(name); err != nil {
		return err
	}
	e.logger.Info("index created", zap.String("index", name))
	return nil
}

func (e *Engine) DropIndex(ctx context.Context, name string) (err error) {
	_, span := e.startSpan(ctx, "drop_index", attribute.String("index", name))
	defer func() { endSpan(span, err) }()

	if err = e.rlock(); err != nil {
		return err
	}
	defer e.mu.RUnlock()
	if err = e.Catalog.DropIndex(name); err != nil {
		return err
	}
	e.logger.Info("index dropped", zap.String("index", name))
	return nil
}

func (e *Engine) ListIndexes() []IndexInfo {
	return e.Catalog.ListIndexes()
}

// ---------------- 数据操作 ----------------

func (e *Engine) Insert(ctx context.Context, name string, key int64, value string) (err error) {
	_, span := e.startSpan(ctx, "insert", attribute.String("index", name), attribute.Int64("key", key))
	defer func() { endSpan(span, err) }()

	if len(value) > e.valueSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrValueTooLong, len(value), e.valueSize)
	}
	if err = e.rlock(); err != nil {
		return err
	}
	defer e.mu.RUnlock()
	tree, err := e.Catalog.GetIndex(name)
	if err != nil {
		return err
	}
	return tree.Insert(key, []byte(value))
}

// SelectByID 点查
func (e *Engine) SelectByID(ctx context.Context, name string, key int64) (value string, found bool, err error) {
	_, span := e.startSpan(ctx, "select", attribute.String("index", name), attribute.Int64("key", key))
	defer func() { endSpan(span, err) }()

	if err = e.rlock(); err != nil {
		return "", false, err
	}
	defer e.mu.RUnlock()
	tree, err := e.Catalog.GetIndex(name)
	if err != nil {
		return "", false, err
	}
	val, found, err := tree.GetValue(key)
	if err != nil || !found {
		return "", false, err
	}
	return decodeValue(val), true, nil
}

func (e *Engine) Delete(ctx context.Context, name string, key int64) (removed bool, err error) {
	_, span := e.startSpan(ctx, "delete", attribute.String("index", name), attribute.Int64("key", key))
	defer func() { endSpan(span, err) }()

	if err = e.rlock(); err != nil {
		return false, err
	}
	defer e.mu.RUnlock()
	tree, err := e.Catalog.GetIndex(name)
	if err != nil {
		return false, err
	}
	return tree.Remove(key)
}

// Row 是扫描结果中的一条记录
type Row struct {
	Key   int64
	Value string
}

func (r Row) String() string {
	return fmt.Sprintf("[%d] %s", r.Key, r.Value)
}

// Scan 从 from 开始升序扫描，from 为 nil 时从头开始，limit <= 0 表示不限制
func (e *Engine) Scan(ctx context.Context, name string, from *int64, limit int) (rows []Row, err error) {
	_, span := e.startSpan(ctx, "scan", attribute.String("index", name))
	defer func() {
		span.SetAttributes(attribute.Int("rows", len(rows)))
		endSpan(span, err)
	}()

	if err = e.rlock(); err != nil {
		return nil, err
	}
	defer e.mu.RUnlock()
	tree, err := e.Catalog.GetIndex(name)
	if err != nil {
		return nil, err
	}

	var it *index.Iterator[int64, []byte]
	if from == nil {
		it, err = tree.Begin()
	} else {
		it, err = tree.BeginAt(*from)
	}
	if err != nil {
		return nil, err
	}
	for ; !it.IsEnd(); it.Next() {
		rows = append(rows, Row{Key: it.Key(), Value: decodeValue(it.Value())})
		if limit > 0 && len(rows) >= limit {
			break
		}
	}
	return rows, it.Err()
}

// decodeValue 去掉定长编码补的 0
func decodeValue(val []byte) string {
	return string(bytes.TrimRight(val, "\x00"))
}

// ---------------- 批量导入 ----------------

// LoadFile 从文件批量插入。每行一条记录 "<key>" 或 "<key>,<value>"，
// 只有 key 时 value 为 key 的十进制文本；空行和 # 开头的行被忽略
func (e *Engine) LoadFile(ctx context.Context, name, path string) (n int, err error) {
	ctx, span := e.startSpan(ctx, "load", attribute.String("index", name), attribute.String("file", path))
	defer func() {
		span.SetAttributes(attribute.Int("rows", n))
		endSpan(span, err)
	}()

	err = readRecords(path, func(key int64, value string) error {
		if err := e.Insert(ctx, name, key, value); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

// UnloadFile 按文件中的 key 批量删除，value 部分被忽略
func (e *Engine) UnloadFile(ctx context.Context, name, path string) (n int, err error) {
	ctx, span := e.startSpan(ctx, "unload", attribute.String("index", name), attribute.String("file", path))
	defer func() {
		span.SetAttributes(attribute.Int("rows", n))
		endSpan(span, err)
	}()

	err = readRecords(path, func(key int64, _ string) error {
		removed, err := e.Delete(ctx, name, key)
		if err != nil {
			return err
		}
		if removed {
			n++
		}
		return nil
	})
	return n, err
}

func readRecords(path string, fn func(key int64, value string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		keyStr, value, hasValue := strings.Cut(text, ",")
		key, err := strconv.ParseInt(strings.TrimSpace(keyStr), 10, 64)
		if err != nil {
			return fmt.Errorf("%s:%d: key must be an integer: %w", path, line, err)
		}
		if hasValue {
			value = strings.Trim(strings.TrimSpace(value), "'\"")
		} else {
			value = strconv.FormatInt(key, 10)
		}
		if err := fn(key, value); err != nil {
			return fmt.Errorf("%s:%d: %w", path, line, err)
		}
	}
	return scanner.Err()
}

// ---------------- 维护 ----------------

// Describe 返回索引的概要
func (e *Engine) Describe(name string) (string, error) {
	if err := e.rlock(); err != nil {
		return "", err
	}
	defer e.mu.RUnlock()
	tree, err := e.Catalog.GetIndex(name)
	if err != nil {
		return "", err
	}
	height, err := tree.Height()
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("+----------------+----------------------+\n")
	sb.WriteString(fmt.Sprintf("| Index          | %-20s |\n", tree.Name()))
	sb.WriteString("+----------------+----------------------+\n")
	sb.WriteString(fmt.Sprintf("| Root Page ID   | %-20d |\n", tree.RootPageID()))
	sb.WriteString(fmt.Sprintf("| Height         | %-20d |\n", height))
	sb.WriteString(fmt.Sprintf("| Value Size     | %-20d |\n", e.valueSize))
	sb.WriteString("+----------------+----------------------+")
	return sb.String(), nil
}

// Verify 检查一个索引；name 为空时并发检查所有索引
func (e *Engine) Verify(ctx context.Context, name string) (err error) {
	_, span := e.startSpan(ctx, "verify", attribute.String("index", name))
	defer func() { endSpan(span, err) }()

	if err = e.rlock(); err != nil {
		return err
	}
	defer e.mu.RUnlock()
	if name != "" {
		tree, err := e.Catalog.GetIndex(name)
		if err != nil {
			return err
		}
		return tree.Verify()
	}

	var g errgroup.Group
	for _, tree := range e.Catalog.Indexes() {
		g.Go(func() error {
			if err := tree.Verify(); err != nil {
				return fmt.Errorf("%s: %w", tree.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) Draw(name string, w io.Writer) error {
	if err := e.rlock(); err != nil {
		return err
	}
	defer e.mu.RUnlock()
	tree, err := e.Catalog.GetIndex(name)
	if err != nil {
		return err
	}
	return tree.Draw(w)
}

func (e *Engine) Dump(name string, w io.Writer) error {
	if err := e.rlock(); err != nil {
		return err
	}
	defer e.mu.RUnlock()
	tree, err := e.Catalog.GetIndex(name)
	if err != nil {
		return err
	}
	return tree.Dump(w)
}

// Flush 把所有驻留页写回磁盘
func (e *Engine) Flush(ctx context.Context) (err error) {
	_, span := e.startSpan(ctx, "flush")
	defer func() { endSpan(span, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	return e.BPM.FlushAllPages()
}

func (e *Engine) Stats() buffer.Stats {
	return e.BPM.Stats()
}

// Close 刷盘并关闭数据文件，可以重复调用
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	// 头页和索引页都在缓冲池里，一次 FlushAllPages 即可落盘
	err := errors.Join(e.BPM.FlushAllPages(), e.DiskManager.Close())
	if err != nil {
		e.logger.Error("close engine", zap.Error(err))
		return err
	}
	e.logger.Info("engine closed",
		zap.Int64("disk_reads", e.DiskManager.NumReads()),
		zap.Int64("disk_writes", e.DiskManager.NumWrites()))
	return nil
}
