package relational

import (
	"github.com/nicktill/tinykeep/pkg/metric"
)

const (
	typeInt  = "INTEGER"
	typeText = "TEXT"
)

var (
	idColumns      = []string{"id1", "id2", "id3", "id4"}
	stagedIDColumn = []string{"mid1", "mid2", "mid3", "mid4"}
)

// tagTables are the three tables of one tag subsystem.
type tagTables struct {
	dict    string // tag value -> surrogate key
	link    string // surrogate key x metric id
	staging string // per-session queried tag values
}

// typeTables names every table belonging to one (class, type).
type typeTables struct {
	class   metric.Class
	meta    string
	data    string
	primary tagTables
	minor   tagTables
	session string
	ids     string
}

func (b *Backend) metaTable(class metric.Class) string {
	return b.names.Table("meta", string(class))
}

func (b *Backend) tables(metricType string, class metric.Class) typeTables {
	part := func(suffix string) string {
		return b.names.Table(string(class), metricType, suffix)
	}
	return typeTables{
		class: class,
		meta:  b.metaTable(class),
		data:  b.names.Table(string(class), metricType),
		primary: tagTables{
			dict:    part("pt"),
			link:    part("ptx"),
			staging: part("pti"),
		},
		minor: tagTables{
			dict:    part("mt"),
			link:    part("mtx"),
			staging: part("mti"),
		},
		session: part("sch"),
		ids:     part("idi"),
	}
}

func metaTableDef(name string) Table {
	return Table{
		Name: name,
		Columns: []Column{
			{Name: "pk", Type: typeInt, AutoIncrement: true},
			{Name: "metric_type", Type: typeText, NotNull: true, Unique: true},
		},
	}
}

func idColumnDefs(names []string) []Column {
	cols := make([]Column, len(names))
	for i, n := range names {
		cols[i] = Column{Name: n, Type: typeInt, NotNull: true}
	}
	return cols
}

func dataTableDef(tt typeTables) Table {
	cols := idColumnDefs(idColumns)
	cols = append(cols, Column{Name: "count", Type: typeInt, NotNull: true})

	var index []string
	if tt.class == metric.ClassEvent {
		cols = append(cols,
			Column{Name: "occur", Type: typeInt, NotNull: true},
			Column{Name: "qty", Type: typeInt, NotNull: true},
		)
		index = []string{"occur"}
	} else {
		cols = append(cols,
			Column{Name: "pstart", Type: typeInt, NotNull: true},
			Column{Name: "pstop", Type: typeInt, NotNull: true},
			Column{Name: "todstart", Type: typeInt, NotNull: true},
			Column{Name: "todstop", Type: typeInt, NotNull: true},
			Column{Name: "dur", Type: typeInt, NotNull: true},
		)
		index = []string{"pstart", "pstop"}
	}

	return Table{
		Name:       tt.data,
		Columns:    cols,
		PrimaryKey: idColumns,
		Indexes:    [][]string{index},
	}
}

func tagDictDef(tg tagTables) Table {
	return Table{
		Name: tg.dict,
		Columns: []Column{
			{Name: "pk", Type: typeInt, AutoIncrement: true},
			{Name: "tagv", Type: typeText, NotNull: true, Unique: true},
		},
	}
}

func tagLinkDef(tg tagTables, data string) Table {
	cols := append([]Column{{Name: "tid", Type: typeInt, NotNull: true}}, idColumnDefs(idColumns)...)
	return Table{
		Name:       tg.link,
		Columns:    cols,
		PrimaryKey: append([]string{"tid"}, idColumns...),
		ForeignKeys: []ForeignKey{
			{Columns: []string{"tid"}, RefTable: tg.dict, RefColumns: []string{"pk"}, CascadeDelete: true},
			{Columns: idColumns, RefTable: data, RefColumns: idColumns, CascadeDelete: true},
		},
		Indexes: [][]string{idColumns},
	}
}

func sessionDef(tt typeTables) Table {
	return Table{
		Name: tt.session,
		Columns: []Column{
			{Name: "pk", Type: typeInt, AutoIncrement: true},
			{Name: "label", Type: typeText, NotNull: true, Unique: true},
			{Name: "created", Type: typeInt, NotNull: true},
		},
	}
}

func sessionFK(tt typeTables) ForeignKey {
	return ForeignKey{Columns: []string{"sid"}, RefTable: tt.session, RefColumns: []string{"pk"}, CascadeDelete: true}
}

func tagStagingDef(tg tagTables, tt typeTables) Table {
	return Table{
		Name: tg.staging,
		Columns: []Column{
			{Name: "pk", Type: typeInt, AutoIncrement: true},
			{Name: "sid", Type: typeInt, NotNull: true},
			{Name: "tagv", Type: typeText, NotNull: true},
		},
		Unique:      [][]string{{"sid", "tagv"}},
		ForeignKeys: []ForeignKey{sessionFK(tt)},
	}
}

func idStagingDef(tt typeTables) Table {
	cols := append([]Column{
		{Name: "pk", Type: typeInt, AutoIncrement: true},
		{Name: "sid", Type: typeInt, NotNull: true},
	}, idColumnDefs(stagedIDColumn)...)
	return Table{
		Name:        tt.ids,
		Columns:     cols,
		Unique:      [][]string{append([]string{"sid"}, stagedIDColumn...)},
		ForeignKeys: []ForeignKey{sessionFK(tt)},
	}
}

// typeSchema lists the per-type tables in dependency order.
func typeSchema(tt typeTables) []Table {
	return []Table{
		dataTableDef(tt),
		tagDictDef(tt.primary),
		tagLinkDef(tt.primary, tt.data),
		tagDictDef(tt.minor),
		tagLinkDef(tt.minor, tt.data),
		sessionDef(tt),
		tagStagingDef(tt.primary, tt),
		tagStagingDef(tt.minor, tt),
		idStagingDef(tt),
	}
}
