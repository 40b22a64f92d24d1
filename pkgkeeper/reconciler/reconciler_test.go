package reconciler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/steelcutops/pkgkeeper/pkgkeeper/packagecache"
	pm "github.com/steelcutops/pkgkeeper/pkgkeeper/packagemanager"
)

type MockPackageManager struct {
	mock.Mock
}

func (m *MockPackageManager) ID() pm.BackendID { return pm.PyPI }
func (m *MockPackageManager) Binary() string   { return "pip3" }
func (m *MockPackageManager) NeedsSudo() bool  { return false }

func (m *MockPackageManager) ListInstalled(ctx context.Context, outdated bool) ([]pm.Installed, error) {
	args := m.Called(outdated)
	return args.Get(0).([]pm.Installed), args.Error(1)
}

func (m *MockPackageManager) Describe(ctx context.Context, name string) (pm.Package, error) {
	args := m.Called(name)
	return args.Get(0).(pm.Package), args.Error(1)
}

func (m *MockPackageManager) Update(ctx context.Context, name, credential string) error {
	return m.Called(name, credential).Error(0)
}

func (m *MockPackageManager) Uninstall(ctx context.Context, name, credential string) error {
	return m.Called(name, credential).Error(0)
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func described(name, version string) pm.Package {
	return pm.Package{
		Name:        name,
		Version:     version,
		Description: name + " description",
		URL:         "https://example.org/" + name,
		Author:      pm.Unknown,
		License:     "MIT",
	}
}

func setup(t *testing.T) (*Reconciler, *MockPackageManager, *packagecache.Cache) {
	t.Helper()
	cache, err := packagecache.New(&packagecache.MemoryStore{}, packagecache.WithLogger(quietLogger()))
	require.NoError(t, err)
	manager := &MockPackageManager{}
	return New(manager, cache, quietLogger()), manager, cache
}

func TestFetchIsIdempotent(t *testing.T) {
	r, manager, _ := setup(t)
	manager.On("ListInstalled", false).Return([]pm.Installed{
		{Name: "requests", Version: "2.31.0"},
		{Name: "six", Version: "1.16.0"},
	}, nil)
	manager.On("Describe", "requests").Return(described("requests", "2.31.0"), nil).Once()
	manager.On("Describe", "six").Return(described("six", "1.16.0"), nil).Once()

	first, err := r.Fetch(context.Background(), false, nil)
	require.NoError(t, err)
	second, err := r.Fetch(context.Background(), false, nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, []pm.Package{described("requests", "2.31.0"), described("six", "1.16.0")}, second)
	manager.AssertNumberOfCalls(t, "Describe", 2)
	manager.AssertExpectations(t)
}

func TestFetchDetectsDrift(t *testing.T) {
	r, manager, cache := setup(t)
	require.NoError(t, cache.Put(pm.PyPI, described("requests", "1.0")))
	manager.On("ListInstalled", false).Return([]pm.Installed{{Name: "requests", Version: "1.1"}}, nil)
	manager.On("Describe", "requests").Return(described("requests", "1.1"), nil).Once()

	packages, err := r.Fetch(context.Background(), false, nil)

	require.NoError(t, err)
	require.Len(t, packages, 1)
	assert.Equal(t, "1.1", packages[0].Version)
	cached, err := cache.Get(pm.PyPI, "requests")
	require.NoError(t, err)
	assert.Equal(t, "1.1", cached.Version)
	manager.AssertExpectations(t)
}

func TestFetchOnlyComparesVersions(t *testing.T) {
	r, manager, cache := setup(t)
	stale := described("requests", "2.31.0")
	stale.Description = "an old description"
	require.NoError(t, cache.Put(pm.PyPI, stale))
	manager.On("ListInstalled", false).Return([]pm.Installed{{Name: "requests", Version: "2.31.0"}}, nil)

	packages, err := r.Fetch(context.Background(), false, nil)

	require.NoError(t, err)
	assert.Equal(t, []pm.Package{stale}, packages)
	manager.AssertNotCalled(t, "Describe", mock.Anything)
}

func TestFetchOutdatedDecoratesWithoutTouchingCache(t *testing.T) {
	r, manager, cache := setup(t)
	require.NoError(t, cache.Put(pm.PyPI, described("requests", "1.1")))
	manager.On("ListInstalled", true).Return([]pm.Installed{
		{Name: "requests", Version: "1.1", Latest: "2.0"},
		{Name: "six", Version: "1.15.0", Latest: "1.16.0"},
	}, nil)
	manager.On("Describe", "six").Return(described("six", "1.15.0"), nil).Once()

	packages, err := r.Fetch(context.Background(), true, nil)

	require.NoError(t, err)
	require.Len(t, packages, 2)
	assert.Equal(t, "1.1 -> 2.0", packages[0].Version)
	assert.Equal(t, "1.15.0 -> 1.16.0", packages[1].Version)

	for name, version := range map[string]string{"requests": "1.1", "six": "1.15.0"} {
		cached, err := cache.Get(pm.PyPI, name)
		require.NoError(t, err)
		assert.Equal(t, version, cached.Version, "cache keeps the undecorated version of %s", name)
	}
	manager.AssertNotCalled(t, "Describe", "requests")
}

func TestFetchCachesLiveVersion(t *testing.T) {
	r, manager, cache := setup(t)
	manager.On("ListInstalled", false).Return([]pm.Installed{{Name: "typescript", Version: "5.1.6"}}, nil)
	// a describe that reports the registry's latest rather than the installed version
	manager.On("Describe", "typescript").Return(described("typescript", "5.4.5"), nil)

	packages, err := r.Fetch(context.Background(), false, nil)

	require.NoError(t, err)
	assert.Equal(t, "5.1.6", packages[0].Version)
	cached, err := cache.Get(pm.PyPI, "typescript")
	require.NoError(t, err)
	assert.Equal(t, "5.1.6", cached.Version)
}

func TestFetchEmptySystem(t *testing.T) {
	r, manager, _ := setup(t)
	manager.On("ListInstalled", false).Return([]pm.Installed{}, nil)

	var calls []int
	packages, err := r.Fetch(context.Background(), false, func(p int) { calls = append(calls, p) })

	require.NoError(t, err)
	assert.NotNil(t, packages)
	assert.Empty(t, packages)
	assert.Empty(t, calls)
}

func TestFetchProgress(t *testing.T) {
	r, manager, _ := setup(t)
	manager.On("ListInstalled", false).Return([]pm.Installed{
		{Name: "a", Version: "1"}, {Name: "b", Version: "1"}, {Name: "c", Version: "1"},
	}, nil)
	manager.On("Describe", mock.Anything).Return(described("x", "1"), nil)

	var calls []int
	_, err := r.Fetch(context.Background(), false, func(p int) { calls = append(calls, p) })

	require.NoError(t, err)
	assert.Equal(t, []int{0, 33, 66, 100}, calls)
}

func TestFetchProgressIsStrictlyIncreasing(t *testing.T) {
	r, manager, _ := setup(t)
	var live []pm.Installed
	for i := 0; i < 250; i++ {
		live = append(live, pm.Installed{Name: fmt.Sprintf("pkg%d", i), Version: "1"})
	}
	manager.On("ListInstalled", false).Return(live, nil)
	manager.On("Describe", mock.Anything).Return(described("x", "1"), nil)

	var calls []int
	_, err := r.Fetch(context.Background(), false, func(p int) { calls = append(calls, p) })

	require.NoError(t, err)
	require.NotEmpty(t, calls)
	assert.Equal(t, 0, calls[0])
	assert.Equal(t, 100, calls[len(calls)-1])
	assert.LessOrEqual(t, len(calls), 101)
	for i := 1; i < len(calls); i++ {
		assert.Greater(t, calls[i], calls[i-1])
	}
}

func TestFetchAbortsOnListError(t *testing.T) {
	r, manager, _ := setup(t)
	unavailable := &pm.BackendUnavailableError{Backend: pm.PyPI, Op: "list", Err: errors.New("exit status 1")}
	manager.On("ListInstalled", false).Return([]pm.Installed(nil), unavailable)

	packages, err := r.Fetch(context.Background(), false, nil)

	assert.Nil(t, packages)
	var target *pm.BackendUnavailableError
	assert.ErrorAs(t, err, &target)
}

func TestFetchAbortsOnDescribeError(t *testing.T) {
	r, manager, cache := setup(t)
	manager.On("ListInstalled", false).Return([]pm.Installed{
		{Name: "a", Version: "1"}, {Name: "b", Version: "1"}, {Name: "c", Version: "1"},
	}, nil)
	manager.On("Describe", "a").Return(described("a", "1"), nil)
	manager.On("Describe", "b").Return(pm.Package{}, &pm.BackendUnavailableError{Backend: pm.PyPI, Op: "show b", Err: errors.New("boom")})

	packages, err := r.Fetch(context.Background(), false, nil)

	require.Error(t, err)
	assert.Nil(t, packages, "no truncated view")
	assert.True(t, cache.Has(pm.PyPI, "a"))
	manager.AssertNotCalled(t, "Describe", "c")
}

func TestFetchHonoursCancellation(t *testing.T) {
	r, manager, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	manager.On("ListInstalled", false).Return([]pm.Installed{{Name: "a", Version: "1"}, {Name: "b", Version: "1"}}, nil)
	manager.On("Describe", "a").Run(func(mock.Arguments) { cancel() }).Return(described("a", "1"), nil)

	packages, err := r.Fetch(ctx, false, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, packages)
	manager.AssertNotCalled(t, "Describe", "b")
}

func TestDecorate(t *testing.T) {
	assert.Equal(t, "1.1 -> 2.0", Decorate("1.1", "2.0"))

	installed, latest, ok := Undecorate(Decorate("1.1", "2.0"))
	assert.True(t, ok)
	assert.Equal(t, "1.1", installed)
	assert.Equal(t, "2.0", latest)

	installed, latest, ok = Undecorate("2.31.0")
	assert.False(t, ok)
	assert.Equal(t, "2.31.0", installed)
	assert.Empty(t, latest)
}
