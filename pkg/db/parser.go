package db

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// SQLParser 负责解析命令并调用 Engine 执行
type SQLParser struct {
	Session *Session
	Output  io.Writer // 输出目标（客户端连接或终端）
}

func NewSQLParser(session *Session, output io.Writer) *SQLParser {
	return &SQLParser{Session: session, Output: output}
}

var (
	reShowIndexes = regexp.MustCompile(`(?i)^show\s+indexes$`)
	reCreateIndex = regexp.MustCompile(`(?i)^create\s+index\s+(\w+)$`)
	reDropIndex   = regexp.MustCompile(`(?i)^drop\s+index\s+(\w+)$`)
	reDescribe    = regexp.MustCompile(`(?i)^describe\s+(\w+)$`)
	reInsert      = regexp.MustCompile(`(?i)^insert\s+into\s+(\w+)\s+values\s*\((.+)\)$`)
	reSelect      = regexp.MustCompile(`(?i)^select\s+\*\s+from\s+(\w+)(?:\s+where\s+(.+?))?(?:\s+limit\s+(\d+))?$`)
	reWhere       = regexp.MustCompile(`(?i)^id\s*(=|>=)\s*(-?\d+)$`)
	reDelete      = regexp.MustCompile(`(?i)^delete\s+from\s+(\w+)\s+where\s+id\s*=\s*(-?\d+)$`)
	reLoad        = regexp.MustCompile(`(?i)^load\s+(\S+)\s+into\s+(\w+)$`)
	reUnload      = regexp.MustCompile(`(?i)^unload\s+(\S+)\s+from\s+(\w+)$`)
	reFlush       = regexp.MustCompile(`(?i)^flush$`)
	reStats       = regexp.MustCompile(`(?i)^stats$`)
	reVerify      = regexp.MustCompile(`(?i)^verify(?:\s+(\w+))?$`)
	reDraw        = regexp.MustCompile(`(?i)^draw\s+(\w+)$`)
	reDump        = regexp.MustCompile(`(?i)^dump\s+(\w+)$`)
	reHelp        = regexp.MustCompile(`(?i)^help$`)
)

// ParseAndExecute 解析一条命令并执行
func (p *SQLParser) ParseAndExecute(ctx context.Context, sql string) error {
	sql = strings.TrimSpace(sql)
	sql = strings.TrimSuffix(sql, ";")
	sql = strings.TrimSpace(sql)
	e := p.Session.Engine
	p.Session.Logger.Debug("exec", zap.String("sql", sql))

	switch {
	case reHelp.MatchString(sql):
		p.printHelp()
		return nil

	case reShowIndexes.MatchString(sql):
		p.handleShowIndexes()
		return nil

	case reCreateIndex.MatchString(sql):
		matches := reCreateIndex.FindStringSubmatch(sql)
		if err := e.CreateIndex(ctx, matches[1]); err != nil {
			return err
		}
		fmt.Fprintln(p.Output, "Query OK, 0 rows affected.")
		return nil

	case reDropIndex.MatchString(sql):
		matches := reDropIndex.FindStringSubmatch(sql)
		if err := e.DropIndex(ctx, matches[1]); err != nil {
			return err
		}
		fmt.Fprintln(p.Output, "Query OK, 0 rows affected.")
		return nil

	case reDescribe.MatchString(sql):
		matches := reDescribe.FindStringSubmatch(sql)
		res, err := e.Describe(matches[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(p.Output, res)
		return nil

	case reInsert.MatchString(sql):
		matches := reInsert.FindStringSubmatch(sql)
		return p.handleInsert(ctx, matches[1], matches[2])

	case reSelect.MatchString(sql):
		matches := reSelect.FindStringSubmatch(sql)
		return p.handleSelect(ctx, matches[1], matches[2], matches[3])

	case reDelete.MatchString(sql):
		matches := reDelete.FindStringSubmatch(sql)
		return p.handleDelete(ctx, matches[1], matches[2])

	case reLoad.MatchString(sql):
		matches := reLoad.FindStringSubmatch(sql)
		n, err := e.LoadFile(ctx, matches[2], matches[1])
		if err != nil {
			return fmt.Errorf("loaded %d rows before error: %w", n, err)
		}
		fmt.Fprintf(p.Output, "Query OK, %d rows affected.\n", n)
		return nil

	case reUnload.MatchString(sql):
		matches := reUnload.FindStringSubmatch(sql)
		n, err := e.UnloadFile(ctx, matches[2], matches[1])
		if err != nil {
			return fmt.Errorf("removed %d rows before error: %w", n, err)
		}
		fmt.Fprintf(p.Output, "Query OK, %d rows affected.\n", n)
		return nil

	case reFlush.MatchString(sql):
		if err := e.Flush(ctx); err != nil {
			return err
		}
		fmt.Fprintln(p.Output, "Flushed.")
		return nil

	case reStats.MatchString(sql):
		p.handleStats()
		return nil

	case reVerify.MatchString(sql):
		matches := reVerify.FindStringSubmatch(sql)
		if err := e.Verify(ctx, matches[1]); err != nil {
			return err
		}
		fmt.Fprintln(p.Output, "OK")
		return nil

	case reDraw.MatchString(sql):
		matches := reDraw.FindStringSubmatch(sql)
		return e.Draw(matches[1], p.Output)

	case reDump.MatchString(sql):
		matches := reDump.FindStringSubmatch(sql)
		return e.Dump(matches[1], p.Output)

	default:
		return fmt.Errorf("syntax error or unknown command: %s", sql)
	}
}

// --- Handler 实现 ---

func (p *SQLParser) printHelp() {
	fmt.Fprintln(p.Output, "--- MiniDB Help ---")
	fmt.Fprintln(p.Output, "1.  show indexes;")
	fmt.Fprintln(p.Output, "2.  create index <name>;")
	fmt.Fprintln(p.Output, "3.  drop index <name>;")
	fmt.Fprintln(p.Output, "4.  describe <index>;")
	fmt.Fprintln(p.Output, "5.  insert into <index> values (<id>, <data>);")
	fmt.Fprintln(p.Output, "6.  select * from <index> [where id = <val> | where id >= <val>] [limit <n>];")
	fmt.Fprintln(p.Output, "7.  delete from <index> where id = <val>;")
	fmt.Fprintln(p.Output, "8.  load <file> into <index>;")
	fmt.Fprintln(p.Output, "9.  unload <file> from <index>;")
	fmt.Fprintln(p.Output, "10. flush;")
	fmt.Fprintln(p.Output, "11. stats;")
	fmt.Fprintln(p.Output, "12. verify [<index>];")
	fmt.Fprintln(p.Output, "13. draw <index>;   (graphviz dot)")
	fmt.Fprintln(p.Output, "14. dump <index>;")
}

func (p *SQLParser) handleShowIndexes() {
	fmt.Fprintln(p.Output, "Indexes:")
	for _, info := range p.Session.Engine.ListIndexes() {
		fmt.Fprintf(p.Output, "- %s (root %d)\n", info.Name, info.RootPageID)
	}
}

func (p *SQLParser) handleInsert(ctx context.Context, name, valuesStr string) error {
	keyStr, rest, _ := strings.Cut(valuesStr, ",")
	key, err := strconv.ParseInt(strings.TrimSpace(keyStr), 10, 64)
	if err != nil {
		return fmt.Errorf("primary key (first value) must be an integer: %v", err)
	}

	var valParts []string
	if strings.TrimSpace(rest) != "" {
		for _, v := range strings.Split(rest, ",") {
			valParts = append(valParts, strings.Trim(strings.TrimSpace(v), "'\""))
		}
	}

	if err := p.Session.Engine.Insert(ctx, name, key, strings.Join(valParts, ",")); err != nil {
		return err
	}
	fmt.Fprintln(p.Output, "Query OK, 1 row affected.")
	return nil
}

func (p *SQLParser) handleSelect(ctx context.Context, name, condition, limitStr string) error {
	limit := 0
	if limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil {
			return fmt.Errorf("limit must be integer")
		}
		limit = n
	}

	var from *int64
	if condition != "" {
		matches := reWhere.FindStringSubmatch(strings.TrimSpace(condition))
		if matches == nil {
			return fmt.Errorf("currently only supports id = <val> or id >= <val>")
		}
		key, err := strconv.ParseInt(matches[2], 10, 64)
		if err != nil {
			return fmt.Errorf("id must be integer")
		}
		if matches[1] == "=" {
			return p.handleSelectByID(ctx, name, key)
		}
		from = &key
	}

	rows, err := p.Session.Engine.Scan(ctx, name, from, limit)
	if err != nil {
		return err
	}
	fmt.Fprintf(p.Output, "--- %s ---\n", name)
	for _, r := range rows {
		fmt.Fprintln(p.Output, r)
	}
	fmt.Fprintf(p.Output, "(%d rows)\n", len(rows))
	return nil
}

func (p *SQLParser) handleSelectByID(ctx context.Context, name string, key int64) error {
	val, found, err := p.Session.Engine.SelectByID(ctx, name, key)
	if err != nil {
		return err
	}
	if !found {
		fmt.Fprintln(p.Output, "Empty set.")
		return nil
	}
	fmt.Fprintf(p.Output, "--- %s ---\n", name)
	fmt.Fprintln(p.Output, Row{Key: key, Value: val})
	fmt.Fprintln(p.Output, "(1 row)")
	return nil
}

func (p *SQLParser) handleDelete(ctx context.Context, name, keyStr string) error {
	key, err := strconv.ParseInt(keyStr, 10, 64)
	if err != nil {
		return fmt.Errorf("id must be integer")
	}
	removed, err := p.Session.Engine.Delete(ctx, name, key)
	if err != nil {
		return err
	}
	if !removed {
		fmt.Fprintln(p.Output, "Query OK, 0 rows affected.")
		return nil
	}
	fmt.Fprintln(p.Output, "Query OK, 1 row affected.")
	return nil
}

func (p *SQLParser) handleStats() {
	e := p.Session.Engine
	s := e.Stats()
	fmt.Fprintf(p.Output, "Data file: %s\n", e.DiskManager.FileName())
	fmt.Fprintln(p.Output, "+----------------+----------------------+")
	fmt.Fprintf(p.Output, "| Pool Size      | %-20d |\n", s.PoolSize)
	fmt.Fprintf(p.Output, "| Resident       | %-20d |\n", s.Resident)
	fmt.Fprintf(p.Output, "| Pinned         | %-20d |\n", s.Pinned)
	fmt.Fprintf(p.Output, "| Dirty          | %-20d |\n", s.Dirty)
	fmt.Fprintf(p.Output, "| Free           | %-20d |\n", s.Free)
	fmt.Fprintf(p.Output, "| Hits           | %-20d |\n", s.Hits)
	fmt.Fprintf(p.Output, "| Misses         | %-20d |\n", s.Misses)
	fmt.Fprintf(p.Output, "| Evictions      | %-20d |\n", s.Evictions)
	fmt.Fprintf(p.Output, "| Flushes        | %-20d |\n", s.Flushes)
	fmt.Fprintf(p.Output, "| Disk Pages     | %-20d |\n", e.DiskManager.NumPages())
	fmt.Fprintf(p.Output, "| Disk Reads     | %-20d |\n", e.DiskManager.NumReads())
	fmt.Fprintf(p.Output, "| Disk Writes    | %-20d |\n", e.DiskManager.NumWrites())
	fmt.Fprintln(p.Output, "+----------------+----------------------+")
}
