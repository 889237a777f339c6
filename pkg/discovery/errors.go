package discovery

import "errors"

// ErrIneligible is the terminal error returned by Subscription.Run when the
// remote discovery service rejects the authority with InvalidArgument. The
// caller must treat the authority as permanently NoEndpoints and must not
// call Run again for it.
var ErrIneligible = errors.New("discovery: authority rejected as ineligible, not retrying")
