package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablestore/fileio"
	"tablestore/types"
)

func sampleDef() TableDef {
	return TableDef{
		Fields: []FieldDef{
			{Name: "id", Type: types.DataType{ID: types.Int64}},
			{Name: "order_date", Type: types.DataType{ID: types.Date}},
			{Name: "amount", Type: types.DataType{ID: types.Float64}},
		},
		PartitionKeys: []string{"order_date"},
		PrimaryKeys:   []string{"order_date", "id"},
	}
}

func TestTableDefValidate(t *testing.T) {
	valid := sampleDef()
	assert.NoError(t, valid.Validate())

	noPK := TableDef{Fields: valid.Fields}
	assert.NoError(t, noPK.Validate(), "a table with no primary key has nothing to validate")

	missingPartitionInPK := valid
	missingPartitionInPK.PrimaryKeys = []string{"id"}
	assert.Error(t, missingPartitionInPK.Validate(), "partition keys must be a subset of primary keys")

	allPartition := valid
	allPartition.PrimaryKeys = []string{"order_date"}
	assert.Error(t, allPartition.Validate(), "primary keys must contain a field beyond the partition keys")
}

func TestSchemaRowTypeAndFieldByName(t *testing.T) {
	s := &Schema{Fields: []types.Field{
		{ID: 1, Name: "id", Type: types.DataType{ID: types.Int64}},
		{ID: 2, Name: "name", Type: types.DataType{ID: types.StringType}},
	}}

	rt := s.RowType()
	assert.Equal(t, []string{"id", "name"}, rt.FieldNames())

	f, ok := s.FieldByName("name")
	assert.True(t, ok)
	assert.Equal(t, types.StringType, f.Type.ID)

	_, ok = s.FieldByName("missing")
	assert.False(t, ok)
}

func TestManagerCreateTableAssignsFieldIDs(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(fileio.NewLocalFileIO(), t.TempDir())

	s, err := mgr.CreateTable(ctx, sampleDef())
	require.NoError(t, err)
	assert.Equal(t, int64(0), s.ID)
	assert.Equal(t, 3, s.HighestFieldID)
	assert.Equal(t, 1, s.Fields[0].ID)
	assert.Equal(t, 2, s.Fields[1].ID)
	assert.Equal(t, 3, s.Fields[2].ID)
}

func TestManagerCreateTableRejectsInvalidDef(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(fileio.NewLocalFileIO(), t.TempDir())

	bad := sampleDef()
	bad.PrimaryKeys = []string{"id"} // drops the partition key
	_, err := mgr.CreateTable(ctx, bad)
	assert.Error(t, err)
}

func TestManagerSchemaReadThroughOnCacheMiss(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writer := NewManager(fileio.NewLocalFileIO(), root)
	created, err := writer.CreateTable(ctx, sampleDef())
	require.NoError(t, err)

	reader := NewManager(fileio.NewLocalFileIO(), root)
	got, err := reader.Schema(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Fields, got.Fields)
}

func TestManagerLatestAndListAll(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(fileio.NewLocalFileIO(), t.TempDir())

	_, err := mgr.CreateTable(ctx, sampleDef())
	require.NoError(t, err)

	next, err := mgr.CommitChanges(ctx, []SchemaChange{
		{Kind: AddColumn, FieldName: "notes", NewType: types.DataType{ID: types.StringType}, Nullable: true},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), next.ID)
	assert.Equal(t, 4, next.HighestFieldID)

	ids, err := mgr.ListAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1}, ids)

	latest, err := mgr.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest.ID)
}

func TestManagerLatestWithNoSchemas(t *testing.T) {
	mgr := NewManager(fileio.NewLocalFileIO(), t.TempDir())
	_, err := mgr.Latest(context.Background())
	assert.Error(t, err)
}

func TestCommitChangesDropColumn(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(fileio.NewLocalFileIO(), t.TempDir())
	_, err := mgr.CreateTable(ctx, sampleDef())
	require.NoError(t, err)

	next, err := mgr.CommitChanges(ctx, []SchemaChange{{Kind: DropColumn, FieldName: "amount"}})
	require.NoError(t, err)
	_, ok := next.FieldByName("amount")
	assert.False(t, ok)
}

func TestCommitChangesCannotDropPrimaryKey(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(fileio.NewLocalFileIO(), t.TempDir())
	_, err := mgr.CreateTable(ctx, sampleDef())
	require.NoError(t, err)

	_, err = mgr.CommitChanges(ctx, []SchemaChange{{Kind: DropColumn, FieldName: "id"}})
	assert.Error(t, err)
}

func TestCommitChangesRenameColumnUpdatesKeys(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(fileio.NewLocalFileIO(), t.TempDir())
	_, err := mgr.CreateTable(ctx, sampleDef())
	require.NoError(t, err)

	next, err := mgr.CommitChanges(ctx, []SchemaChange{{Kind: RenameColumn, FieldName: "id", NewName: "order_id"}})
	require.NoError(t, err)
	_, ok := next.FieldByName("order_id")
	assert.True(t, ok)
	assert.Contains(t, next.PrimaryKeys, "order_id")
	assert.NotContains(t, next.PrimaryKeys, "id")
}

func TestCommitChangesRetypeColumn(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(fileio.NewLocalFileIO(), t.TempDir())
	_, err := mgr.CreateTable(ctx, sampleDef())
	require.NoError(t, err)

	next, err := mgr.CommitChanges(ctx, []SchemaChange{
		{Kind: RetypeColumn, FieldName: "amount", NewType: types.DataType{ID: types.Decimal, Precision: 18, Scale: 2}},
	})
	require.NoError(t, err)
	f, _ := next.FieldByName("amount")
	assert.Equal(t, types.Decimal, f.Type.ID)
	assert.Equal(t, 18, f.Type.Precision)
}

func TestCommitChangesUnknownColumnErrors(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(fileio.NewLocalFileIO(), t.TempDir())
	_, err := mgr.CreateTable(ctx, sampleDef())
	require.NoError(t, err)

	_, err = mgr.CommitChanges(ctx, []SchemaChange{{Kind: DropColumn, FieldName: "nonexistent"}})
	assert.Error(t, err)
}
