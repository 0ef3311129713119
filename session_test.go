package hvac_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hvac "github.com/Garson-hu/MT-HVAC"
	"github.com/Garson-hu/MT-HVAC/hvacops"
)

func newPair(t *testing.T) (server, client *hvac.Session) {
	t.Helper()

	server, err := hvac.NewSession(hvac.SessionConfig{
		Listen:        true,
		BindAddr:      "127.0.0.1:0",
		AdvertiseHost: "127.0.0.1",
	})
	require.NoError(t, err)
	t.Cleanup(server.Shutdown)

	client, err = hvac.NewSession(hvac.SessionConfig{})
	require.NoError(t, err)
	t.Cleanup(client.Shutdown)

	return server, client
}

func TestForwardRespond(t *testing.T) {
	server, client := newPair(t)

	// An echoing open handler on the server.
	server.RegisterRPC(hvacops.OpenRPCName, func(h *hvac.Handle) {
		var in hvacops.OpenIn
		require.NoError(t, in.UnmarshalPayload(h.Input()))

		out := hvacops.OpenOut{RetStatus: int32(len(in.Path))}
		require.NoError(t, h.Respond(out.MarshalPayload(nil)))
		h.Destroy()
	})

	openID := client.RegisterRPC(hvacops.OpenRPCName, nil)

	addr, err := client.AddrLookup(server.AddrSelf())
	require.NoError(t, err)
	defer client.AddrFree(addr)

	handle, err := client.CreateHandle(addr, openID)
	require.NoError(t, err)

	w := hvac.NewWaiter()
	in := hvacops.OpenIn{Path: "/d/f"}

	err = handle.Forward(func(ci *hvac.CompletionInfo) {
		require.NoError(t, ci.Err)

		var out hvacops.OpenOut
		require.NoError(t, out.UnmarshalPayload(ci.Output))

		ci.Handle.Destroy()
		ci.Arg.(*hvac.Waiter).Complete(int64(out.RetStatus))
	}, w, in.MarshalPayload(nil))
	require.NoError(t, err)

	assert.Equal(t, int64(len("/d/f")), w.Wait())
}

func TestBulkPushLandsBeforeResponse(t *testing.T) {
	server, client := newPair(t)

	contents := []byte("ABCDEFGH")

	// A read-like handler: push the payload into the client's registered
	// region, then respond with the count from the bulk completion.
	server.RegisterRPC(hvacops.ReadRPCName, func(h *hvac.Handle) {
		var in hvacops.ReadIn
		require.NoError(t, in.UnmarshalPayload(h.Input()))

		src := make([]byte, in.InputVal)
		n := copy(src, contents)

		bulk, err := server.BulkCreate(src, hvac.BulkReadOnly)
		require.NoError(t, err)

		err = server.BulkTransfer(func(ci *hvac.CompletionInfo) {
			out := hvacops.ReadOut{Ret: int32(n)}
			require.NoError(t, h.Respond(out.MarshalPayload(nil)))
			server.BulkFree(bulk)
			h.Destroy()
		}, nil, hvac.BulkPush, h, in.BulkHandle, 0, bulk, 0, n)
		require.NoError(t, err)
	})

	readID := client.RegisterRPC(hvacops.ReadRPCName, nil)

	addr, err := client.AddrLookup(server.AddrSelf())
	require.NoError(t, err)

	handle, err := client.CreateHandle(addr, readID)
	require.NoError(t, err)

	// Register the caller's buffer as the bulk target.
	buf := make([]byte, len(contents))
	target, err := client.BulkCreate(buf, hvac.BulkWriteOnly)
	require.NoError(t, err)

	w := hvac.NewWaiter()
	in := hvacops.ReadIn{
		InputVal:   int32(len(buf)),
		BulkHandle: target.Ref(),
		AccessFD:   1,
		Offset:     -1,
	}

	// By the time the completion fires, the pushed bytes must already be
	// in buf: bulk data and response share one ordered stream.
	var observed []byte
	err = handle.Forward(func(ci *hvac.CompletionInfo) {
		require.NoError(t, ci.Err)

		var out hvacops.ReadOut
		require.NoError(t, out.UnmarshalPayload(ci.Output))

		observed = append([]byte(nil), buf[:out.Ret]...)
		client.BulkFree(target)
		ci.Handle.Destroy()
		w.Complete(int64(out.Ret))
	}, nil, in.MarshalPayload(nil))
	require.NoError(t, err)

	require.Equal(t, int64(len(contents)), w.Wait())
	assert.True(t, bytes.Equal(observed, contents),
		"pushed bytes not visible at completion time: %q", observed)
}

func TestDisableResponse(t *testing.T) {
	server, client := newPair(t)

	received := make(chan int32, 1)

	closeID := server.RegisterRPC(hvacops.CloseRPCName, func(h *hvac.Handle) {
		var in hvacops.CloseIn
		require.NoError(t, in.UnmarshalPayload(h.Input()))
		h.Destroy()
		received <- in.FD
	})
	server.DisableResponse(closeID)

	clientCloseID := client.RegisterRPC(hvacops.CloseRPCName, nil)
	client.DisableResponse(clientCloseID)

	addr, err := client.AddrLookup(server.AddrSelf())
	require.NoError(t, err)

	handle, err := client.CreateHandle(addr, clientCloseID)
	require.NoError(t, err)

	in := hvacops.CloseIn{FD: 33}
	require.NoError(t, handle.Forward(nil, nil, in.MarshalPayload(nil)))
	handle.Destroy()

	select {
	case fd := <-received:
		assert.Equal(t, int32(33), fd)
	case <-time.After(5 * time.Second):
		t.Fatal("close RPC never arrived")
	}
}

func TestConnectionLossFailsInflight(t *testing.T) {
	server, client := newPair(t)

	// A handler that never responds; the client's operation must still
	// complete (with an error) when the server goes away.
	stuck := make(chan struct{})
	server.RegisterRPC(hvacops.SeekRPCName, func(h *hvac.Handle) {
		close(stuck)
	})

	seekID := client.RegisterRPC(hvacops.SeekRPCName, nil)

	addr, err := client.AddrLookup(server.AddrSelf())
	require.NoError(t, err)

	handle, err := client.CreateHandle(addr, seekID)
	require.NoError(t, err)

	w := hvac.NewWaiter()
	in := hvacops.SeekIn{FD: 1, Offset: 0, Whence: 0}

	err = handle.Forward(func(ci *hvac.CompletionInfo) {
		if ci.Err != nil {
			w.Complete(-1)
			return
		}
		w.Complete(0)
	}, nil, in.MarshalPayload(nil))
	require.NoError(t, err)

	<-stuck
	server.Shutdown()

	assert.Equal(t, int64(-1), w.Wait())
}

func TestAddrLookupRejectsForeignProvider(t *testing.T) {
	_, client := newPair(t)

	_, err := client.AddrLookup("tcp://127.0.0.1:9999")
	assert.Error(t, err)

	_, err = client.AddrLookup(hvac.Provider + "not-a-hostport")
	assert.Error(t, err)
}

func TestNameIDStable(t *testing.T) {
	// The id must be a pure function of the name: both sides compute it
	// independently.
	a := hvac.NameID(hvacops.ReadRPCName)
	b := hvac.NameID(hvacops.ReadRPCName)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, hvac.NameID(hvacops.OpenRPCName))
}
