package intercept

import (
	"context"
	"errors"
	"testing"

	"github.com/kasuganosora/hookhost/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testVersion = "4.0-test"
	connectAddr = 0x6000100
)

var connectSig = host.Signature{Conv: host.Stdcall, Params: []string{"uint"}}

func nop() *zap.Logger { l, _ := zap.NewDevelopment(); return l }

func newImage(t *testing.T) *host.Image {
	t.Helper()
	im := host.NewImage(testVersion, 0x6000000, 0x1000)
	require.NoError(t, im.Define(host.Symbol{
		Name: "IServerImpl::OnConnect", Addr: connectAddr, Size: 48, Sig: connectSig,
	}, []byte{0x55, 0x8B, 0xEC, 0x83, 0xEC, 0x08}, func(_ context.Context, args any) any {
		return "original"
	}))
	require.NoError(t, im.Define(host.Symbol{
		Name: "Tiny", Addr: 0x6000200, Size: 3, Sig: connectSig,
	}, []byte{0xC3}, func(context.Context, any) any { return nil }))
	require.NoError(t, im.Define(host.Symbol{
		Name: "Hooked", Addr: 0x6000300, Size: 16, Sig: connectSig,
	}, []byte{0xE9, 0x00, 0x00, 0x00, 0x00}, func(context.Context, any) any { return nil }))
	return im
}

type fatalRecorder struct{ errs []error }

func (f *fatalRecorder) record(err error) { f.errs = append(f.errs, err) }

func newLayer(t *testing.T, im *host.Image) (*Layer, *fatalRecorder) {
	t.Helper()
	rec := &fatalRecorder{}
	return NewLayer(im, testVersion, nop(), WithFatal(rec.record)), rec
}

func target() Target {
	return Target{Symbol: "IServerImpl::OnConnect", Sig: connectSig}
}

func detour(context.Context, any) any { return "detour" }

func TestInstall_RedirectsHostCalls(t *testing.T) {
	im := newImage(t)
	l, _ := newLayer(t, im)

	p, err := l.Install(target(), detour)
	require.NoError(t, err)
	assert.True(t, p.Installed())

	out, err := im.Call(context.Background(), "IServerImpl::OnConnect", uint32(1))
	require.NoError(t, err)
	assert.Equal(t, "detour", out)
	assert.Equal(t, "original", l.InvokeOriginal(context.Background(), p, uint32(1)))
}

func TestInstall_TwiceFailsWithoutCorruptingFirst(t *testing.T) {
	im := newImage(t)
	l, _ := newLayer(t, im)

	first, err := l.Install(target(), detour)
	require.NoError(t, err)
	patched, _ := im.Read(connectAddr, host.JmpSize)

	_, err = l.Install(target(), func(context.Context, any) any { return "second" })
	var rerr *ResolutionError
	require.ErrorAs(t, err, &rerr)
	assert.ErrorIs(t, err, ErrAlreadyInstalled)

	after, _ := im.Read(connectAddr, host.JmpSize)
	assert.Equal(t, patched, after)
	out, _ := im.Call(context.Background(), "IServerImpl::OnConnect", nil)
	assert.Equal(t, "detour", out)
	assert.True(t, first.Installed())
	assert.Len(t, l.Points(), 1)
}

func TestInstall_ResolutionFailures(t *testing.T) {
	cases := []struct {
		name   string
		target Target
		want   error
	}{
		{"missing symbol", Target{Symbol: "Nope", Sig: connectSig}, host.ErrSymbolNotFound},
		{"signature", Target{Symbol: "IServerImpl::OnConnect", Sig: host.Signature{Conv: host.Thiscall}}, ErrSignatureMismatch},
		{"too short", Target{Symbol: "Tiny", Sig: connectSig}, ErrInsufficientSpace},
		{"foreign patch", Target{Symbol: "Hooked", Sig: connectSig}, ErrForeignPatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l, _ := newLayer(t, newImage(t))
			_, err := l.Install(tc.target, detour)
			var rerr *ResolutionError
			require.ErrorAs(t, err, &rerr)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestInstall_VersionMismatch(t *testing.T) {
	im := newImage(t)
	l := NewLayer(im, "3.9", nop())
	_, err := l.Install(target(), detour)
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestInstall_ProtectedPage(t *testing.T) {
	im := newImage(t)
	im.Protect(connectAddr, 8)
	l, _ := newLayer(t, im)
	_, err := l.Install(target(), detour)
	assert.ErrorIs(t, err, host.ErrProtected)

	out, _ := im.Call(context.Background(), "IServerImpl::OnConnect", nil)
	assert.Equal(t, "original", out)
}

func TestUninstall_RestoresOriginal(t *testing.T) {
	im := newImage(t)
	before, _ := im.Read(connectAddr, host.JmpSize)
	l, rec := newLayer(t, im)

	p, err := l.Install(target(), detour)
	require.NoError(t, err)
	require.NoError(t, l.Uninstall(p))

	after, _ := im.Read(connectAddr, host.JmpSize)
	assert.Equal(t, before, after)
	assert.False(t, p.Installed())
	assert.Empty(t, rec.errs)

	out, _ := im.Call(context.Background(), "IServerImpl::OnConnect", nil)
	assert.Equal(t, "original", out)

	// Reinstall works once the first point is gone.
	_, err = l.Install(target(), detour)
	assert.NoError(t, err)
}

func TestUninstall_DoubleUnloadIsReported(t *testing.T) {
	l, _ := newLayer(t, newImage(t))
	p, err := l.Install(target(), detour)
	require.NoError(t, err)
	require.NoError(t, l.Uninstall(p))
	assert.ErrorIs(t, l.Uninstall(p), ErrNotInstalled)
}

func TestUninstall_TamperingIsFatal(t *testing.T) {
	im := newImage(t)
	l, rec := newLayer(t, im)
	p, err := l.Install(target(), detour)
	require.NoError(t, err)

	require.NoError(t, im.Write(connectAddr, []byte{0x90, 0x90, 0x90, 0x90, 0x90}))

	err = l.Uninstall(p)
	var cerr *ConsistencyError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, uintptr(connectAddr), cerr.Addr)
	require.Len(t, rec.errs, 1)
	assert.True(t, errors.As(rec.errs[0], &cerr))
	assert.True(t, p.Installed())
}

func TestUninstallAll_ReverseOrder(t *testing.T) {
	im := newImage(t)
	require.NoError(t, im.Define(host.Symbol{
		Name: "IServerImpl::DisConnect", Addr: 0x6000400, Size: 32, Sig: connectSig,
	}, []byte{0x55, 0x8B, 0xEC, 0x90, 0x90}, func(context.Context, any) any { return nil }))
	l, _ := newLayer(t, im)

	_, err := l.Install(target(), detour)
	require.NoError(t, err)
	_, err = l.Install(Target{Symbol: "IServerImpl::DisConnect", Sig: connectSig}, detour)
	require.NoError(t, err)
	require.Len(t, l.Points(), 2)

	require.NoError(t, l.UninstallAll())
	assert.Empty(t, l.Points())
}
