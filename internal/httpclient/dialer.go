package httpclient

import (
	"bytes"
	"context"
	"net"
)

func (d *netDialer) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.Timeout}
	return dialer.DialContext(ctx, network, addr)
}

func newReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}
