package remedies

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRemedies(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "remedies.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestStore_Lookup(t *testing.T) {
	path := writeRemedies(t, `{
		"Downy mildew": ["Prune dense canopy", "Apply copper fungicide"],
		"Mealy bugs": ["Spray neem oil"]
	}`)
	s := NewStore(path)

	got, err := s.Lookup("Downy mildew")
	require.NoError(t, err)
	assert.Equal(t, []string{"Prune dense canopy", "Apply copper fungicide"}, got)

	n, err := s.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStore_UnknownLabel(t *testing.T) {
	s := NewStore(writeRemedies(t, `{"Mealy bugs": ["Spray neem oil"]}`))

	got, err := s.Lookup("Leaf blight")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Empty(t, got)
}

func TestStore_MissingFile(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "absent.json"))

	got, err := s.Lookup("Downy mildew")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_MalformedFileIsRetried(t *testing.T) {
	path := writeRemedies(t, `{"Downy mildew": `)
	s := NewStore(path)

	_, err := s.Lookup("Downy mildew")
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"Downy mildew": ["Remove fallen leaves"]}`), 0o644))
	got, err := s.Lookup("Downy mildew")
	require.NoError(t, err)
	assert.Equal(t, []string{"Remove fallen leaves"}, got)
}

func TestStore_LookupReturnsCopy(t *testing.T) {
	s := NewStore(writeRemedies(t, `{"Mealy bugs": ["Spray neem oil"]}`))

	got, err := s.Lookup("Mealy bugs")
	require.NoError(t, err)
	got[0] = "changed"

	again, err := s.Lookup("Mealy bugs")
	require.NoError(t, err)
	assert.Equal(t, []string{"Spray neem oil"}, again)
}

func TestStore_ConcurrentFirstUse(t *testing.T) {
	s := NewStore(writeRemedies(t, `{"Mealy bugs": ["Spray neem oil"]}`))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.Lookup("Mealy bugs")
			assert.NoError(t, err)
			assert.Equal(t, []string{"Spray neem oil"}, got)
		}()
	}
	wg.Wait()
}
