package artifact_test

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"restorable.io/cluster-restore/internal/artifact"
)

const part0 = `{"kind":"meta","backup_id":7,"node_id":1,"node_groups":2,"start_epoch":10,"stop_epoch":20}
{"kind":"object","id":1,"type":"tablespace","name":"ts1"}
{"kind":"table","id":1,"schema":"bank","name":"accounts","columns":[{"name":"id","data_type":"int"},{"name":"owner","data_type":"varchar","nullable":true}],"primary_key":["id"],"fragment_count":2,"fragment_node_groups":[0,1]}

{"kind":"tuple","table":1,"fragment":0,"values":[1,"ann"]}
{"kind":"tuple","table":1,"fragment":1,"values":[2,null]}
{"kind":"log","seq":1,"table":1,"op":"update","fragment":0,"values":[1,"bob"]}
{"kind":"log","seq":3,"table":1,"op":"delete","fragment":1,"values":[2,null]}
`

func TestDecoderReadsEverySection(t *testing.T) {
	d := artifact.NewDecoder(strings.NewReader(part0))
	meta, err := d.ReadMeta()
	require.NoError(t, err)
	require.Equal(t, uint32(7), meta.BackupID)
	require.Equal(t, uint32(2), meta.NodeGroups)
	require.Equal(t, uint64(20), meta.StopEpoch)
	require.Len(t, meta.Objects, 1)
	require.Equal(t, artifact.ObjectTablespace, meta.Objects[0].Type)
	require.Len(t, meta.Tables, 1)
	require.Same(t, meta.Tables[0], meta.Table(1))

	tup, err := d.NextTuple()
	require.NoError(t, err)
	require.Equal(t, "accounts", tup.Table.Name)
	require.Equal(t, uint32(0), tup.FragmentID)
	require.Equal(t, []any{int64(1), "ann"}, tup.Values)
	d.Release(tup)

	tup, err = d.NextTuple()
	require.NoError(t, err)
	require.Equal(t, []any{int64(2), nil}, tup.Values)
	d.Release(tup)

	_, err = d.NextTuple()
	require.Equal(t, io.EOF, err)

	e, err := d.NextLogEntry()
	require.NoError(t, err)
	require.Equal(t, uint64(1), e.Seq)
	require.Equal(t, artifact.OpUpdate, e.Op)
	e, err = d.NextLogEntry()
	require.NoError(t, err)
	require.Equal(t, artifact.OpDelete, e.Op)
	_, err = d.NextLogEntry()
	require.Equal(t, io.EOF, err)
}

func TestDecoderLogSkipsUnreadTuples(t *testing.T) {
	d := artifact.NewDecoder(strings.NewReader(part0))
	_, err := d.ReadMeta()
	require.NoError(t, err)
	e, err := d.NextLogEntry()
	require.NoError(t, err)
	require.Equal(t, uint64(1), e.Seq)
}

func TestDecoderRequiresMeta(t *testing.T) {
	d := artifact.NewDecoder(strings.NewReader(part0))
	_, err := d.NextTuple()
	require.Error(t, err)

	d = artifact.NewDecoder(strings.NewReader(`{"kind":"table","id":1}` + "\n"))
	_, err = d.ReadMeta()
	require.ErrorContains(t, err, "expected meta record first")
}

func TestDecoderRejectsBadInput(t *testing.T) {
	meta := `{"kind":"meta","backup_id":1,"node_groups":1}` + "\n"
	table := `{"kind":"table","id":1,"schema":"s","name":"t","columns":[{"name":"id","data_type":"int"}],"primary_key":["id"],"fragment_count":1,"fragment_node_groups":[0]}` + "\n"

	cases := map[string]struct {
		input string
		want  string
	}{
		"out of order": {
			input: meta + table + `{"kind":"tuple","table":1,"fragment":0,"values":[1]}` + "\n" + table,
			want:  "table record after tuple section",
		},
		"unknown kind": {
			input: meta + `{"kind":"blob"}` + "\n",
			want:  `unknown record kind "blob"`,
		},
		"unknown table": {
			input: meta + table + `{"kind":"tuple","table":9,"fragment":0,"values":[1]}` + "\n",
			want:  "unknown table id 9",
		},
		"duplicate meta": {
			input: meta + meta,
			want:  "duplicate meta record",
		},
		"zero node groups": {
			input: `{"kind":"meta","backup_id":1}` + "\n",
			want:  "node group count is zero",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			d := artifact.NewDecoder(strings.NewReader(tc.input))
			_, err := d.ReadMeta()
			if err == nil {
				for err == nil {
					_, err = d.NextTuple()
				}
			}
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestDecoderRejectsDecreasingSequence(t *testing.T) {
	input := `{"kind":"meta","backup_id":1,"node_groups":1}
{"kind":"table","id":1,"schema":"s","name":"t","columns":[{"name":"id","data_type":"int"}],"primary_key":["id"],"fragment_count":1,"fragment_node_groups":[0]}
{"kind":"log","seq":2,"table":1,"op":"insert","fragment":0,"values":[1]}
{"kind":"log","seq":2,"table":1,"op":"insert","fragment":0,"values":[1]}
`
	d := artifact.NewDecoder(strings.NewReader(input))
	_, err := d.ReadMeta()
	require.NoError(t, err)
	_, err = d.NextLogEntry()
	require.NoError(t, err)
	_, err = d.NextLogEntry()
	require.ErrorContains(t, err, "not after 2")
}

func TestDecoderFloatValues(t *testing.T) {
	input := `{"kind":"meta","backup_id":1,"node_groups":1}
{"kind":"table","id":1,"schema":"s","name":"t","columns":[{"name":"id","data_type":"int"},{"name":"v","data_type":"double"}],"primary_key":["id"],"fragment_count":1,"fragment_node_groups":[0]}
{"kind":"tuple","table":1,"fragment":0,"values":[1,2.5]}
`
	d := artifact.NewDecoder(strings.NewReader(input))
	_, err := d.ReadMeta()
	require.NoError(t, err)
	tup, err := d.NextTuple()
	require.NoError(t, err)
	require.Equal(t, []any{int64(1), 2.5}, tup.Values)
}
