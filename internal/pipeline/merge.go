package pipeline

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shaiso/Statflow/internal/domain"
)

var (
	errEmptyTable  = errors.New("table has no header")
	errMissingKey  = errors.New("join key missing from table")
	errNoJoinKeys  = errors.New("join requires at least one key")
	errUnsupported = errors.New("unsupported merge strategy")
	errRaggedRow   = errors.New("row has more fields than header")
)

type mergeInput struct {
	Role string
	Path string
}

// mergeStats — статистика объединения для журнала решений.
type mergeStats struct {
	LeftRows    int
	RightRows   int
	MatchedRows int
	OutputRows  int
	Columns     []string
}

type table struct {
	header []string
	rows   [][]string
}

func (t *table) index(col string) int {
	for i, name := range t.header {
		if name == col {
			return i
		}
	}
	return -1
}

// mergeCSV объединяет CSV-файлы и пишет результат в dst.
//
// join — левое соединение по keys: первая роль основная, строки без пары
// сохраняются с пустыми значениями. Одноимённые неключевые столбцы правой
// таблицы получают суффикс _<role>. append — объединение строк по
// объединению столбцов.
func mergeCSV(dst string, inputs []mergeInput, strategy domain.MergeStrategy, keys []string) (mergeStats, error) {
	if len(inputs) < 2 {
		return mergeStats{}, fmt.Errorf("merge needs at least two inputs, got %d", len(inputs))
	}

	tables := make([]*table, 0, len(inputs))
	for _, in := range inputs {
		t, err := readCSV(in.Path)
		if err != nil {
			return mergeStats{}, fmt.Errorf("role %s: %w", in.Role, err)
		}
		tables = append(tables, t)
	}

	var (
		out   *table
		stats mergeStats
		err   error
	)
	switch strategy {
	case domain.MergeJoin:
		out, stats, err = joinTables(inputs, tables, keys)
	case domain.MergeAppend:
		out, stats = appendTables(tables)
	default:
		err = fmt.Errorf("%w: %q", errUnsupported, strategy)
	}
	if err != nil {
		return mergeStats{}, err
	}

	if err := writeCSV(dst, out); err != nil {
		return mergeStats{}, err
	}
	stats.OutputRows = len(out.rows)
	stats.Columns = out.header
	return stats, nil
}

func joinTables(inputs []mergeInput, tables []*table, keys []string) (*table, mergeStats, error) {
	if len(keys) == 0 {
		return nil, mergeStats{}, errNoJoinKeys
	}
	for i, t := range tables {
		for _, key := range keys {
			if t.index(key) < 0 {
				return nil, mergeStats{}, fmt.Errorf("%w: %q in role %s", errMissingKey, key, inputs[i].Role)
			}
		}
	}

	left := tables[0]
	stats := mergeStats{LeftRows: len(left.rows)}

	out := &table{header: append([]string(nil), left.header...)}
	// matched — строка получила пару из каждой правой таблицы
	type outRow struct {
		cells   []string
		matched bool
	}
	rows := make([]outRow, 0, len(left.rows))
	for _, r := range left.rows {
		rows = append(rows, outRow{cells: append([]string(nil), r...), matched: true})
	}

	for i := 1; i < len(tables); i++ {
		right := tables[i]
		stats.RightRows += len(right.rows)

		keyIdx := make([]int, len(keys))
		leftKeyIdx := make([]int, len(keys))
		for k, key := range keys {
			keyIdx[k] = right.index(key)
			leftKeyIdx[k] = out.index(key)
		}

		isKey := make(map[int]bool, len(keyIdx))
		for _, idx := range keyIdx {
			isKey[idx] = true
		}

		var extra []int
		for c, name := range right.header {
			if isKey[c] {
				continue
			}
			if out.index(name) >= 0 {
				name = name + "_" + inputs[i].Role
			}
			out.header = append(out.header, name)
			extra = append(extra, c)
		}

		lookup := make(map[string][][]string, len(right.rows))
		for _, r := range right.rows {
			k := rowKey(r, keyIdx)
			lookup[k] = append(lookup[k], r)
		}

		next := make([]outRow, 0, len(rows))
		for _, row := range rows {
			matches := lookup[rowKey(row.cells, leftKeyIdx)]
			if len(matches) == 0 {
				cells := append(row.cells, make([]string, len(extra))...)
				next = append(next, outRow{cells: cells, matched: false})
				continue
			}
			for _, m := range matches {
				cells := append([]string(nil), row.cells...)
				for _, c := range extra {
					cells = append(cells, cell(m, c))
				}
				next = append(next, outRow{cells: cells, matched: row.matched})
			}
		}
		rows = next
	}

	for _, row := range rows {
		if row.matched {
			stats.MatchedRows++
		}
		out.rows = append(out.rows, row.cells)
	}
	return out, stats, nil
}

func appendTables(tables []*table) (*table, mergeStats) {
	out := &table{}
	seen := make(map[string]bool)
	for _, t := range tables {
		for _, name := range t.header {
			if !seen[name] {
				seen[name] = true
				out.header = append(out.header, name)
			}
		}
	}

	stats := mergeStats{LeftRows: len(tables[0].rows)}
	for i, t := range tables {
		if i > 0 {
			stats.RightRows += len(t.rows)
		}
		positions := make([]int, len(out.header))
		for c, name := range out.header {
			positions[c] = t.index(name)
		}
		for _, r := range t.rows {
			cells := make([]string, len(out.header))
			for c, pos := range positions {
				if pos >= 0 {
					cells[c] = cell(r, pos)
				}
			}
			out.rows = append(out.rows, cells)
		}
	}
	return out, stats
}

func rowKey(row []string, idx []int) string {
	parts := make([]string, len(idx))
	for i, c := range idx {
		parts[i] = strings.TrimSpace(cell(row, c))
	}
	return strings.Join(parts, "\x1f")
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

func readCSV(name string) (*table, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(name), err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s: %w", filepath.Base(name), errEmptyTable)
	}

	header := records[0]
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	// Короткие строки дополняются пустыми значениями до ширины заголовка,
	// иначе столбцы правой таблицы сдвинутся при join
	rows := records[1:]
	for i, rec := range rows {
		switch {
		case len(rec) > len(header):
			return nil, fmt.Errorf("%s line %d: %w (%d > %d)", filepath.Base(name), i+2, errRaggedRow, len(rec), len(header))
		case len(rec) < len(header):
			rows[i] = append(rec, make([]string, len(header)-len(rec))...)
		}
	}
	return &table{header: header, rows: rows}, nil
}

func writeCSV(name string, t *table) error {
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(name), "."+filepath.Base(name)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(t.header); err != nil {
		tmp.Close()
		return err
	}
	if err := w.WriteAll(t.rows); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), name)
}
