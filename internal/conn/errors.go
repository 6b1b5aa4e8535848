package conn

import "errors"

// ErrPeerClosed is returned by Connection.Read when the input buffer has
// no readable bytes at callback time. The top-level package maps this to
// blitzio.CodePeerClosed before handing it to the user's error callback;
// it is a plain sentinel here to keep this package free of an import
// cycle back to the root package.
var ErrPeerClosed = errors.New("conn: peer closed")
