package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestAggregateMergesSyscallsBeforeSamples(t *testing.T) {
	agg := newAggregate(zerolog.Nop())

	samples := []byte(`{"sample_1_10":{"sampled_time":5,"x":1}}`)
	syscalls := []byte(`{"syscall_meta":[["10"],{"10":{"tag":["a","b",1,2]}}]}`)

	// Syscall trees from every fragment land before any samples, so the
	// sampled thread below must not be synthesized even though its own
	// fragment carries no syscall_meta.
	require.NoError(t, agg.addSyscalls(samples))
	require.NoError(t, agg.addSyscalls(syscalls))
	require.NoError(t, agg.addSamples(samples))
	require.NoError(t, agg.addSamples(syscalls))

	meta := gjson.ParseBytes(agg.metadata)
	tree := meta.Get("thread_tree").Array()
	require.Len(t, tree, 1)
	assert.Equal(t, `["a","b",1,2]`, tree[0].Get("tag").Raw)
	assert.Equal(t, "10", tree[0].Get("identifier").String())
	assert.Equal(t, int64(5), meta.Get("sampled_times.1_10").Int())

	require.Contains(t, agg.threads, "1_10")
	assert.Equal(t, `{"x":1}`, string(agg.threads["1_10"]))
}

func TestAggregateSynthesizesUnknownThreadOnce(t *testing.T) {
	agg := newAggregate(zerolog.Nop())

	a := []byte(`{"sample":{"3_7":{"sampled_time":1}}}`)
	b := []byte(`{"sample_offcpu":{"3_7":{"y":2}}}`)
	require.NoError(t, agg.addSyscalls(a))
	require.NoError(t, agg.addSyscalls(b))
	require.NoError(t, agg.addSamples(a))
	require.NoError(t, agg.addSamples(b))

	tree := gjson.GetBytes(agg.metadata, "thread_tree").Array()
	require.Len(t, tree, 1)
	entry := tree[0]
	assert.Equal(t, "7", entry.Get("identifier").String())
	assert.Equal(t, gjson.Null, entry.Get("parent").Type)
	assert.Equal(t, `["?","3/7",-1,-1]`, entry.Get("tag").Raw)
}

func TestAggregateDropsFirstTime(t *testing.T) {
	agg := newAggregate(zerolog.Nop())

	frag := []byte(`{"sample":{"1_2":{"first_time":42,"sampled_time":9,"z":3}}}`)
	require.NoError(t, agg.addSyscalls(frag))
	require.NoError(t, agg.addSamples(frag))

	assert.Equal(t, `{"z":3}`, string(agg.threads["1_2"]))
	assert.False(t, gjson.GetBytes(agg.metadata, "first_time").Exists())
	assert.Equal(t, int64(9), gjson.GetBytes(agg.metadata, "sampled_times.1_2").Int())
}

func TestAggregatePreservesFieldOrderAndNumbers(t *testing.T) {
	agg := newAggregate(zerolog.Nop())

	frag := []byte(`{"sample":{"1_2":{"sampled_time":1,"walltime":{"b":0.10,"a":18446744073709551615}}}}`)
	require.NoError(t, agg.addSyscalls(frag))
	require.NoError(t, agg.addSamples(frag))

	// Spliced raw: insertion order and numeric representation survive.
	assert.Equal(t, `{"walltime":{"b":0.10,"a":18446744073709551615}}`, string(agg.threads["1_2"]))
}

func TestAggregateCallchains(t *testing.T) {
	agg := newAggregate(zerolog.Nop())

	frag := []byte(`{"syscall":{"f.g|h":["main","run"]}}`)
	require.NoError(t, agg.addSyscalls(frag))

	chain := gjson.GetBytes(agg.metadata, `callchains.f\.g\|h`)
	require.True(t, chain.Exists())
	assert.Equal(t, `["main","run"]`, chain.Raw)
}

func TestAggregateRebaseOffCPU(t *testing.T) {
	agg := newAggregate(zerolog.Nop())

	frag := []byte(`{"sample":{"1_2":{"sampled_time":0,"offcpu_regions":[[100,3],[250,7]]}}}`)
	require.NoError(t, agg.addSyscalls(frag))
	require.NoError(t, agg.addSamples(frag))
	require.NoError(t, agg.rebaseOffCPU(40))

	regions := gjson.GetBytes(agg.metadata, "offcpu_regions.1_2")
	assert.Equal(t, `[[60,3],[210,7]]`, regions.Raw)
}

func TestAggregateRebaseOffCPUWraps(t *testing.T) {
	agg := newAggregate(zerolog.Nop())

	frag := []byte(`{"sample":{"1_2":{"sampled_time":0,"offcpu_regions":[[10,1]]}}}`)
	require.NoError(t, agg.addSyscalls(frag))
	require.NoError(t, agg.addSamples(frag))
	require.NoError(t, agg.rebaseOffCPU(40))

	// Unsigned arithmetic: a pre-start timestamp wraps rather than failing.
	ts := gjson.GetBytes(agg.metadata, "offcpu_regions.1_2.0.0")
	assert.Equal(t, "18446744073709551586", ts.Raw)
}

func TestAggregateWriteFiles(t *testing.T) {
	agg := newAggregate(zerolog.Nop())

	frag := []byte(`{"sample":{"1_2":{"sampled_time":1,"x":1}},"sample_b":{"4_5":{"sampled_time":2,"y":2}}}`)
	require.NoError(t, agg.addSyscalls(frag))
	require.NoError(t, agg.addSamples(frag))

	dir := t.TempDir()
	require.NoError(t, agg.writeFiles(dir))

	meta, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	require.NoError(t, err)
	assert.True(t, gjson.ValidBytes(meta))
	assert.Equal(t, byte('\n'), meta[len(meta)-1])

	for name, want := range map[string]string{
		"1_2.json": "{\"x\":1}\n",
		"4_5.json": "{\"y\":2}\n",
	} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}
}

func TestEscapePath(t *testing.T) {
	assert.Equal(t, "plain", escapePath("plain"))
	assert.Equal(t, `a\.b\*c\?d\\e\|f\@g\#h`, escapePath(`a.b*c?d\e|f@g#h`))
}
