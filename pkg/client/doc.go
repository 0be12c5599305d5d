// Package client is the VeriTrail Go SDK.
//
// It wraps the VeriTrail HTTP API: appending fiscal events to a tenant's
// hash-chained ledger, verifying chain integrity, managing certificate
// usage assignments, and driving retention sweeps.
//
// # Appending a fiscal event
//
//	c, err := client.New("https://veritrail.internal:8080",
//	    client.WithBearerToken(os.Getenv("VT_TOKEN")),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := c.AppendEvent(ctx, client.AppendRequest{
//	    TenantID:      "tenant-1",
//	    DocType:       "invoice",
//	    Number:        "F-001",
//	    Series:        "A",
//	    TaxableAmount: "100.00",
//	    TaxAmount:     "21.00",
//	    Total:         "121.00",
//	    Timestamp:     time.Now().Format(time.RFC3339Nano),
//	    Regime:        "regime_a",
//	})
//
// When a regime is requested the result carries the signed envelope. A
// failed authority submission does not roll back the append: check
// result.SubmissionError and result.Retryable, and resubmit later with
// Resubmit(ctx, result.Envelope.ID).
//
// # Verifying a chain
//
//	report, err := c.VerifyChain(ctx, "tenant-1")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !report.Valid {
//	    log.Fatalf("chain broken at index %d: %s", report.BrokenAt, report.Reason)
//	}
//
// # Retention
//
// Sweep reports what each policy would do without changing anything;
// ApplyRetention performs the archival:
//
//	report, _ := c.Sweep(ctx, []string{"tenant-1"})
//	applied, _ := c.ApplyRetention(ctx, []string{"tenant-1"})
//	fmt.Println(applied.Archived)
//
// All methods honor the passed context for cancellation and deadlines.
package client
