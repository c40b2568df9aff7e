package testcase

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/mozzbozz/epf/pkg/genome"
	"github.com/mozzbozz/epf/pkg/transition"
	"github.com/stretchr/testify/require"
)

func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 4096)
				for {
					conn.SetDeadline(time.Now().Add(time.Second))
					n, err := conn.Read(buf)
					if n > 0 {
						conn.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func TestRunPlaysPrePostAroundFuzzedPayload(t *testing.T) {
	addr := echoServer(t)
	g := transition.New()
	require.NoError(t, g.Pre(transition.Payload{Name: "testfr", Data: []byte{0x68, 0x04}, RecvAfterSend: true}))
	g.FinalizePre()
	require.NoError(t, g.Post(transition.Payload{Name: "stopdt", Data: []byte{0x68, 0x04}, RecvAfterSend: true}))
	g.FinalizePost()

	calls := 0
	tc := New(Config{
		Proto:       ProtoTCP,
		Addr:        addr,
		DialTimeout: time.Second,
		SendTimeout: time.Second,
		RecvTimeout: time.Second,
	}, g, func() int { calls++; return 7 })

	ind := genome.NewIndividual("test", []genome.Field{genome.NewByteField("a", []byte{0x01, 0x02})})
	res, err := tc.Run(context.Background(), ind)
	require.NoError(t, err)
	require.Equal(t, 7, res.CoverageDelta)
	require.Equal(t, 1, calls)
}

func TestRunReportsConnectionFailure(t *testing.T) {
	g := transition.New()
	g.FinalizePre()
	g.FinalizePost()
	tc := New(Config{Proto: ProtoTCP, Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond}, g, nil)
	ind := genome.NewIndividual("test", []genome.Field{genome.NewByteField("a", []byte{0x01})})
	_, err := tc.Run(context.Background(), ind)
	require.Error(t, err)
}
