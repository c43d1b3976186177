package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailwatch/tests/testutil"
)

func TestLogRecentProcessed(t *testing.T) {
	ctx := context.Background()
	ledger := testutil.NewTestStore(t)
	for _, id := range []string{"1:1:INBOX", "1:2:INBOX", "1:3:INBOX", "1:4:INBOX", "1:5:INBOX", "1:6:INBOX"} {
		require.NoError(t, ledger.MarkProcessed(ctx, id, "Invoice "+id))
	}
	logger, logs := testutil.NewTestLogger()

	logRecentProcessed(ctx, ledger, logger)

	var summary map[string]any
	var rows []map[string]any
	for _, rec := range logs.Records(t) {
		switch rec["message"] {
		case "Dedup ledger loaded":
			summary = rec
		case "Previously processed":
			rows = append(rows, rec)
		}
	}
	require.NotNil(t, summary)
	assert.EqualValues(t, recentLedgerRows, summary["recent"])
	require.Len(t, rows, recentLedgerRows)
	for _, r := range rows {
		assert.NotEmpty(t, r["item_id"])
		assert.Contains(t, r["subject"], "Invoice ")
	}
}

func TestLogRecentProcessed_EmptyLedger(t *testing.T) {
	logger, logs := testutil.NewTestLogger()

	logRecentProcessed(context.Background(), testutil.NewTestStore(t), logger)

	records := logs.Records(t)
	require.Len(t, records, 1)
	assert.Equal(t, "Dedup ledger loaded", records[0]["message"])
	assert.EqualValues(t, 0, records[0]["recent"])
}

func TestLogRecentProcessed_ClosedLedgerWarns(t *testing.T) {
	ledger := testutil.NewTestStore(t)
	logger, logs := testutil.NewTestLogger()
	// A second Close from the test cleanup is harmless for sql.DB.
	require.NoError(t, ledger.Close())

	logRecentProcessed(context.Background(), ledger, logger)

	records := logs.Records(t)
	require.Len(t, records, 1)
	assert.Equal(t, "warn", records[0]["level"])
}
