package evidence

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edforman-75/bentham-sub003/pkg/artifacts"
	"github.com/edforman-75/bentham-sub003/pkg/contracts"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testKey = []byte("0123456789abcdef0123456789abcdef")

func testJob(id string) contracts.Job {
	return contracts.Job{
		ID:         id,
		StudyID:    "study-1",
		SurfaceID:  "chatgpt",
		LocationID: "us-nyc",
		QueryText:  "best running shoes",
	}
}

func testResponse() *contracts.QueryResponse {
	return &contracts.QueryResponse{
		Success:      true,
		Timing:       contracts.Timing{TotalMs: 1200},
		ResponseText: "Here are some options",
		URL:          "https://chat.example.com/c/1",
		HTML:         "<html><body>options</body></html>",
		Screenshot:   []byte{0x89, 'P', 'N', 'G'},
		NetworkHAR:   []byte(`{"log":{}}`),
		AdapterID:    "c1",
	}
}

func newTestService(t *testing.T) (*Service, *fakeClock, artifacts.Store) {
	t.Helper()
	clk := newFakeClock()
	auth, err := NewJWTAuthority("test-tsa", testKey)
	require.NoError(t, err)
	auth.WithClock(clk.Now)
	blobs := artifacts.NewMemoryStore()
	svc := NewService(blobs, NewMemoryCustodyLog().WithClock(clk.Now)).
		WithAuthority(auth).
		WithClock(clk.Now)
	return svc, clk, blobs
}

func actions(entries []CustodyEntry) []CustodyAction {
	out := make([]CustodyAction, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

func TestCapture_LevelGating(t *testing.T) {
	c := NewCapturer(nil)
	ctx := context.Background()

	none, err := c.Capture(ctx, CaptureRequest{Level: LevelNone, Job: testJob("j1"), Response: testResponse()})
	require.NoError(t, err)
	assert.Empty(t, none.Screenshot)
	assert.Empty(t, none.HTML)
	assert.Empty(t, none.NetworkHAR)
	assert.Equal(t, "Here are some options", none.Metadata.ResponseText)
	assert.Equal(t, []ArtifactType{ArtifactMetadata}, keys(none.Hashes))

	meta, err := c.Capture(ctx, CaptureRequest{Level: LevelMetadata, Job: testJob("j1"), Response: testResponse()})
	require.NoError(t, err)
	assert.Empty(t, meta.Screenshot)
	assert.NotEmpty(t, meta.HTML)

	full, err := c.Capture(ctx, CaptureRequest{Level: LevelFull, Job: testJob("j1"), Response: testResponse()})
	require.NoError(t, err)
	assert.NotEmpty(t, full.Screenshot)
	assert.NotEmpty(t, full.HTML)
	assert.NotEmpty(t, full.NetworkHAR)
	assert.Len(t, full.Hashes, 4)
	for _, h := range full.Hashes {
		assert.True(t, strings.HasPrefix(h, "sha256:"), h)
		assert.Len(t, h, len("sha256:")+64)
	}

	assert.NotEqual(t, none.ContentHash, full.ContentHash)

	_, err = c.Capture(ctx, CaptureRequest{Level: "verbose", Job: testJob("j1")})
	require.Error(t, err)
	_, err = c.Capture(ctx, CaptureRequest{Level: LevelFull})
	require.Error(t, err)
}

func keys(m map[ArtifactType]string) []ArtifactType {
	out := make([]ArtifactType, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestCapture_HashDeterminism(t *testing.T) {
	clk := newFakeClock()
	c := NewCapturer(nil).WithClock(clk.Now)
	ctx := context.Background()
	req := CaptureRequest{Level: LevelFull, Job: testJob("j1"), Response: testResponse()}

	a, err := c.Capture(ctx, req)
	require.NoError(t, err)
	clk.Advance(time.Hour)
	b, err := c.Capture(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, a.ContentHash, b.ContentHash, "capture time is not content")

	changed := testResponse()
	changed.HTML += " "
	d, err := c.Capture(ctx, CaptureRequest{Level: LevelFull, Job: testJob("j1"), Response: changed})
	require.NoError(t, err)
	assert.NotEqual(t, a.ContentHash, d.ContentHash)
	assert.Equal(t, a.Hashes[ArtifactScreenshot], d.Hashes[ArtifactScreenshot])
}

type failingAuthority struct{}

func (failingAuthority) Timestamp(context.Context, []byte) (*TimestampToken, error) {
	return nil, assert.AnError
}

func (failingAuthority) Verify(context.Context, []byte, *TimestampToken) (bool, error) {
	return false, assert.AnError
}

func TestCapture_AuthorityFailureDoesNotFail(t *testing.T) {
	b, err := NewCapturer(failingAuthority{}).Capture(context.Background(),
		CaptureRequest{Level: LevelFull, Job: testJob("j1"), Response: testResponse()})
	require.NoError(t, err)
	assert.Nil(t, b.Timestamp)
	assert.NotEmpty(t, b.ContentHash)
}

func TestJWTAuthority(t *testing.T) {
	_, err := NewJWTAuthority("x", []byte("short"))
	require.Error(t, err)

	clk := newFakeClock()
	a, err := NewJWTAuthority("tsa", testKey)
	require.NoError(t, err)
	a.WithClock(clk.Now)
	ctx := context.Background()

	tok, err := a.Timestamp(ctx, []byte("sha256:abc"))
	require.NoError(t, err)
	assert.Equal(t, "tsa", tok.Authority)
	assert.True(t, clk.Now().Equal(tok.Time))

	ok, err := a.Verify(ctx, []byte("sha256:abc"), tok)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = a.Verify(ctx, []byte("sha256:abd"), tok)
	assert.False(t, ok, "digest mismatch")

	other, err := NewJWTAuthority("tsa", []byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)
	ok, _ = other.Verify(ctx, []byte("sha256:abc"), tok)
	assert.False(t, ok, "foreign key")

	forged := *tok
	forged.Time = tok.Time.Add(time.Hour)
	ok, _ = a.Verify(ctx, []byte("sha256:abc"), &forged)
	assert.False(t, ok, "time does not match the signed claim")

	ok, _ = a.Verify(ctx, []byte("sha256:abc"), nil)
	assert.False(t, ok)
}

func TestService_Lifecycle(t *testing.T) {
	svc, clk, _ := newTestService(t)
	ctx := context.Background()
	jobID := "study-1/q0/chatgpt/us-nyc"

	b, err := svc.Capture(ctx, CaptureRequest{Level: LevelFull, Job: testJob(jobID), Response: testResponse()})
	require.NoError(t, err)
	require.NotNil(t, b.Timestamp)

	clk.Advance(time.Second)
	rec, err := svc.Store(ctx, b, RetentionPolicy{})
	require.NoError(t, err)
	require.NotNil(t, rec.ExpiresAt)
	assert.True(t, clk.Now().Add(365*24*time.Hour).Equal(*rec.ExpiresAt))
	assert.Equal(t, "mem://evidence/"+jobID+"/screenshot.png", svc.URL(jobID, ArtifactScreenshot))
	assert.Equal(t, svc.URL(jobID, ArtifactHTML), rec.Locations[ArtifactHTML])

	got, err := svc.Retrieve(ctx, jobID, "auditor")
	require.NoError(t, err)
	assert.Equal(t, b.HTML, got.HTML)
	assert.Equal(t, b.Screenshot, got.Screenshot)
	assert.Equal(t, b.Metadata, got.Metadata)

	res, err := svc.Verify(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "Evidence verified successfully", res.Reason)
	require.NotNil(t, res.TimestampValid)
	assert.True(t, *res.TimestampValid)

	chain, err := svc.CustodyChain(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, []CustodyAction{ActionCaptured, ActionStored, ActionAccessed, ActionVerified}, actions(chain))
	assert.Equal(t, "auditor", chain[2].Actor)
	require.NoError(t, svc.VerifyCustody(ctx, jobID))

	for i := 1; i < len(chain); i++ {
		assert.True(t, chain[i].Timestamp.After(chain[i-1].Timestamp), "strictly increasing even on a frozen clock")
	}
}

func TestService_VerifyNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Verify(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "Evidence not found", res.Reason)

	chain, err := svc.CustodyChain(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, []CustodyAction{ActionVerified}, actions(chain))

	_, err = svc.Retrieve(ctx, "missing", "auditor")
	require.ErrorIs(t, err, ErrEvidenceNotFound)

	chain, err = svc.CustodyChain(ctx, "missing")
	require.NoError(t, err)
	require.Equal(t, []CustodyAction{ActionVerified, ActionAccessed}, actions(chain))
	assert.Equal(t, "auditor", chain[1].Actor)
	assert.Equal(t, map[string]string{"found": "false"}, chain[1].Details)
	require.NoError(t, VerifyChain(chain))
}

func TestService_VerifyDetectsTampering(t *testing.T) {
	svc, _, blobs := newTestService(t)
	ctx := context.Background()
	jobID := "study-1/q0/chatgpt/us-nyc"

	_, _, err := svc.CaptureAndStore(ctx, CaptureRequest{Level: LevelFull, Job: testJob(jobID), Response: testResponse()}, RetentionPolicy{Forever: true})
	require.NoError(t, err)

	require.NoError(t, blobs.Put(ctx, "evidence/"+jobID+"/page.html", []byte("<html>edited</html>"), "text/html"))

	res, err := svc.Verify(ctx, jobID)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Reason, "Hash mismatch in html")
	assert.NotEqual(t, res.ExpectedHash, res.ActualHash)

	require.NoError(t, blobs.Delete(ctx, "evidence/"+jobID+"/screenshot.png"))
	res, err = svc.Verify(ctx, jobID)
	require.NoError(t, err)
	assert.Contains(t, res.Reason, "html, screenshot")

	chain, err := svc.CustodyChain(ctx, jobID)
	require.NoError(t, err)
	last := chain[len(chain)-1]
	assert.Equal(t, ActionVerified, last.Action)
	assert.Equal(t, "false", last.Details["valid"])
}

func TestService_VerifyRejectsForgedTimestamp(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	jobID := "j1"

	_, rec, err := svc.CaptureAndStore(ctx, CaptureRequest{Level: LevelNone, Job: testJob(jobID), Response: testResponse()}, RetentionPolicy{})
	require.NoError(t, err)

	rec.Timestamp.Token = rec.Timestamp.Token + "x"
	require.NoError(t, svc.store.putRecord(ctx, rec))

	res, err := svc.Verify(ctx, jobID)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "Timestamp token invalid", res.Reason)
	require.NotNil(t, res.TimestampValid)
	assert.False(t, *res.TimestampValid)
}

func TestService_LegalHoldVetoesDelete(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	jobID := "j1"

	_, _, err := svc.CaptureAndStore(ctx, CaptureRequest{Level: LevelFull, LegalHold: true, Job: testJob(jobID), Response: testResponse()}, RetentionPolicy{})
	require.NoError(t, err)

	ok, err := svc.Delete(ctx, jobID, "ops")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = svc.Retrieve(ctx, jobID, "")
	require.NoError(t, err, "still present")

	require.NoError(t, svc.SetLegalHold(ctx, jobID, false, "counsel"))
	ok, err = svc.Delete(ctx, jobID, "ops")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = svc.Retrieve(ctx, jobID, "")
	require.ErrorIs(t, err, ErrEvidenceNotFound)
	ok, err = svc.Delete(ctx, jobID, "ops")
	require.NoError(t, err)
	assert.False(t, ok, "nothing left to delete")

	chain, err := svc.CustodyChain(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, []CustodyAction{
		ActionCaptured, ActionStored, ActionAccessed, ActionLegalHoldChanged, ActionDeleted, ActionAccessed,
	}, actions(chain))
	assert.Equal(t, "counsel", chain[3].Actor)
	assert.Equal(t, "true", chain[2].Details["found"])
	assert.Equal(t, "false", chain[5].Details["found"])

	require.ErrorIs(t, svc.SetLegalHold(ctx, jobID, true, ""), ErrEvidenceNotFound)
}

func TestService_PurgeExpired(t *testing.T) {
	svc, clk, _ := newTestService(t)
	ctx := context.Background()

	store := func(id string, hold bool, policy RetentionPolicy) {
		_, _, err := svc.CaptureAndStore(ctx, CaptureRequest{Level: LevelNone, LegalHold: hold, Job: testJob(id), Response: testResponse()}, policy)
		require.NoError(t, err)
	}
	store("short", false, RetentionPolicy{Days: 1})
	store("held", true, RetentionPolicy{Days: 1})
	store("long", false, RetentionPolicy{Days: 30})
	store("forever", false, RetentionPolicy{Forever: true})

	n, err := svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.Advance(48 * time.Hour)
	n, err = svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ids, err := svc.store.JobIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"held", "long", "forever"}, ids)

	chain, err := svc.CustodyChain(ctx, "short")
	require.NoError(t, err)
	assert.Equal(t, ActionPurged, chain[len(chain)-1].Action)
}

func TestStore_ResaveOverwritesAndDropsStaleParts(t *testing.T) {
	blobs := artifacts.NewMemoryStore()
	s := NewStore(blobs)
	c := NewCapturer(nil)
	ctx := context.Background()

	full, err := c.Capture(ctx, CaptureRequest{Level: LevelFull, Job: testJob("j1"), Response: testResponse()})
	require.NoError(t, err)
	_, err = s.Save(ctx, full, RetentionPolicy{})
	require.NoError(t, err)

	none, err := c.Capture(ctx, CaptureRequest{Level: LevelNone, Job: testJob("j1"), Response: testResponse()})
	require.NoError(t, err)
	rec, err := s.Save(ctx, none, RetentionPolicy{})
	require.NoError(t, err)
	assert.Nil(t, rec.ExpiresAt, "zero days never expires")

	ok, err := blobs.Exists(ctx, "evidence/j1/screenshot.png")
	require.NoError(t, err)
	assert.False(t, ok)

	b, rec, err := s.Load(ctx, "j1")
	require.NoError(t, err)
	_, combined, err := ComputeHashes(b)
	require.NoError(t, err)
	assert.Equal(t, rec.ContentHash, combined)

	_, err = s.Save(ctx, &Bundle{JobID: "../x"}, RetentionPolicy{})
	require.Error(t, err)
}

func TestService_ConcurrentJobs(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "job-" + string(rune('a'+i))
			_, _, err := svc.CaptureAndStore(ctx, CaptureRequest{Level: LevelFull, Job: testJob(id), Response: testResponse()}, RetentionPolicy{})
			assert.NoError(t, err)
			for j := 0; j < 5; j++ {
				_, err := svc.Verify(ctx, id)
				assert.NoError(t, err)
			}
		}(i)
	}
	// Same job from many goroutines: appends must not interleave-corrupt.
	_, _, err := svc.CaptureAndStore(ctx, CaptureRequest{Level: LevelNone, Job: testJob("shared"), Response: testResponse()}, RetentionPolicy{})
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Retrieve(ctx, "shared", "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	chain, err := svc.CustodyChain(ctx, "shared")
	require.NoError(t, err)
	assert.Len(t, chain, 10)
	require.NoError(t, VerifyChain(chain))
}
