package sink_test

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/reportd/internal/model"
	"github.com/quantfold/reportd/internal/sink"
	"github.com/quantfold/reportd/internal/testutil"
)

var testStore *sink.Store

func TestMain(m *testing.M) {
	tc := testutil.MustStartTimescaleDB()

	var err error
	testStore, err = tc.NewTestStore(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test store: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	testStore.Close()
	tc.Terminate()
	os.Exit(code)
}

var jobSeq atomic.Int64

// uniqueJob isolates each test under its own watermark and metric namespace.
func uniqueJob(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, jobSeq.Add(1))
}

func bucket(day int) time.Time {
	return time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC)
}

func sumRow(job string, value float64, lastPosition int64) model.MetricRow {
	return model.MetricRow{
		JobName:      job,
		MetricKey:    "AAPL.realized_pl",
		BucketTime:   bucket(1),
		Value:        value,
		Op:           model.OpSum,
		LastPosition: lastPosition,
	}
}

func TestGetWatermark_Unset(t *testing.T) {
	ctx := context.Background()
	_, ok, err := testStore.GetWatermark(ctx, uniqueJob("never_committed"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCommit_FirstCommitAndMerge(t *testing.T) {
	ctx := context.Background()
	job := uniqueJob("outcomes")

	require.NoError(t, testStore.Commit(ctx, job, nil, 3, []model.MetricRow{sumRow(job, 3, 3)}))

	wm, ok, err := testStore.GetWatermark(ctx, job)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), wm)

	// Second batch merges into the same bucket.
	prev := int64(3)
	require.NoError(t, testStore.Commit(ctx, job, &prev, 5, []model.MetricRow{sumRow(job, 2, 5)}))

	wm, _, err = testStore.GetWatermark(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, int64(5), wm)

	row, err := testStore.GetMetricRow(ctx, job, "AAPL.realized_pl", bucket(1))
	require.NoError(t, err)
	assert.Equal(t, 5.0, row.Value, "sum must accumulate, not overwrite")
	assert.Equal(t, int64(5), row.LastPosition)
}

func TestCommit_StalePriorWatermarkConflicts(t *testing.T) {
	ctx := context.Background()
	job := uniqueJob("conflict")

	require.NoError(t, testStore.Commit(ctx, job, nil, 10, []model.MetricRow{sumRow(job, 1, 10)}))

	// A second instance that read before the commit above holds a stale view.
	stale := int64(4)
	err := testStore.Commit(ctx, job, &stale, 12, []model.MetricRow{sumRow(job, 9, 12)})
	require.ErrorIs(t, err, sink.ErrWatermarkConflict)
	assert.True(t, sink.IsTransient(err))

	// The losing commit must leave no trace.
	wm, _, err := testStore.GetWatermark(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, int64(10), wm)

	row, err := testStore.GetMetricRow(ctx, job, "AAPL.realized_pl", bucket(1))
	require.NoError(t, err)
	assert.Equal(t, 1.0, row.Value)
}

func TestCommit_FirstCommitRaceConflicts(t *testing.T) {
	ctx := context.Background()
	job := uniqueJob("first_race")

	require.NoError(t, testStore.Commit(ctx, job, nil, 2, nil))

	// Another instance also saw no watermark and tries a first commit.
	err := testStore.Commit(ctx, job, nil, 2, nil)
	assert.ErrorIs(t, err, sink.ErrWatermarkConflict)
}

func TestCommit_RegressionRejected(t *testing.T) {
	ctx := context.Background()
	job := uniqueJob("regression")

	require.NoError(t, testStore.Commit(ctx, job, nil, 8, nil))

	prev := int64(8)
	err := testStore.Commit(ctx, job, &prev, 8, nil)
	require.ErrorIs(t, err, sink.ErrWatermarkRegression)
	assert.True(t, sink.IsInvariantViolation(err))
}

func TestCommit_RollsBackWatermarkOnRowFailure(t *testing.T) {
	ctx := context.Background()
	job := uniqueJob("atomic")

	require.NoError(t, testStore.Commit(ctx, job, nil, 1, []model.MetricRow{sumRow(job, 1, 1)}))

	bad := sumRow(job, 7, 4)
	bad.Op = model.CombineOp("median") // unmergeable, fails mid-transaction

	prev := int64(1)
	err := testStore.Commit(ctx, job, &prev, 4, []model.MetricRow{sumRow(job, 7, 4), bad})
	require.Error(t, err)

	// Neither the watermark advance nor the first row's merge may survive.
	wm, _, err := testStore.GetWatermark(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, int64(1), wm)

	row, err := testStore.GetMetricRow(ctx, job, "AAPL.realized_pl", bucket(1))
	require.NoError(t, err)
	assert.Equal(t, 1.0, row.Value)
}

func TestCommit_MergeSemanticsPerOp(t *testing.T) {
	ctx := context.Background()
	job := uniqueJob("ops")

	mk := func(key string, op model.CombineOp, value float64, lastPosition int64) model.MetricRow {
		return model.MetricRow{
			JobName: job, MetricKey: key, BucketTime: bucket(2),
			Value: value, Op: op, LastPosition: lastPosition,
		}
	}

	require.NoError(t, testStore.Commit(ctx, job, nil, 5, []model.MetricRow{
		mk("k.sum", model.OpSum, 10, 5),
		mk("k.count", model.OpCount, 3, 5),
		mk("k.min", model.OpMin, -2, 5),
		mk("k.max", model.OpMax, 7, 5),
		mk("k.last", model.OpLast, 0.9, 5),
	}))

	prev := int64(5)
	require.NoError(t, testStore.Commit(ctx, job, &prev, 9, []model.MetricRow{
		mk("k.sum", model.OpSum, 4, 9),
		mk("k.count", model.OpCount, 2, 9),
		mk("k.min", model.OpMin, 1, 9),   // not a new minimum
		mk("k.max", model.OpMax, 12, 9),  // new maximum
		mk("k.last", model.OpLast, 0.4, 9),
	}))

	expect := map[string]float64{
		"k.sum":   14,
		"k.count": 5,
		"k.min":   -2,
		"k.max":   12,
		"k.last":  0.4,
	}
	for key, want := range expect {
		row, err := testStore.GetMetricRow(ctx, job, key, bucket(2))
		require.NoError(t, err)
		assert.Equal(t, want, row.Value, "metric %s", key)
		assert.Equal(t, int64(9), row.LastPosition, "metric %s", key)
	}
}

func TestCommit_LastIgnoresOutOfOrderPosition(t *testing.T) {
	ctx := context.Background()
	job := uniqueJob("last_guard")

	row := model.MetricRow{
		JobName: job, MetricKey: "k.last", BucketTime: bucket(3),
		Value: 0.8, Op: model.OpLast, LastPosition: 20,
	}
	require.NoError(t, testStore.Commit(ctx, job, nil, 20, []model.MetricRow{row}))

	// A replayed or lagging writer with an older position must not win.
	stale := row
	stale.Value = 0.1
	stale.LastPosition = 15
	prev := int64(20)
	require.NoError(t, testStore.Commit(ctx, job, &prev, 25, []model.MetricRow{stale}))

	got, err := testStore.GetMetricRow(ctx, job, "k.last", bucket(3))
	require.NoError(t, err)
	assert.Equal(t, 0.8, got.Value)
	assert.Equal(t, int64(20), got.LastPosition)
}

func TestGetMetricRow_NotFound(t *testing.T) {
	_, err := testStore.GetMetricRow(context.Background(), uniqueJob("missing"), "nope", bucket(1))
	assert.ErrorIs(t, err, sink.ErrNotFound)
}

func TestListWatermarksAndSummarize(t *testing.T) {
	ctx := context.Background()
	jobA := uniqueJob("summary_a")
	jobB := uniqueJob("summary_b")

	require.NoError(t, testStore.Commit(ctx, jobA, nil, 2, []model.MetricRow{
		{JobName: jobA, MetricKey: "AAPL.trades", BucketTime: bucket(4), Value: 5, Op: model.OpCount, LastPosition: 2},
		{JobName: jobA, MetricKey: "AAPL.trades", BucketTime: bucket(5), Value: 3, Op: model.OpCount, LastPosition: 2},
	}))
	require.NoError(t, testStore.Commit(ctx, jobB, nil, 7, nil))

	marks, err := testStore.ListWatermarks(ctx)
	require.NoError(t, err)

	found := map[string]int64{}
	for _, w := range marks {
		found[w.JobName] = w.Position
		assert.False(t, w.UpdatedAt.IsZero())
	}
	assert.Equal(t, int64(2), found[jobA])
	assert.Equal(t, int64(7), found[jobB])

	summary, err := testStore.Summarize(ctx)
	require.NoError(t, err)
	assert.False(t, summary.GeneratedAt.IsZero())

	for _, m := range summary.Metrics {
		if m.JobName == jobA && m.MetricKey == "AAPL.trades" {
			assert.Equal(t, 2, m.Buckets)
			assert.Equal(t, bucket(5), m.LatestBucket.UTC())
			assert.Equal(t, 3.0, m.LatestValue)
			return
		}
	}
	t.Fatalf("summary missing %s/AAPL.trades", jobA)
}
