// Package cache allows clients to skip probing the frame budget of an adapter they have used
// before.
//
// Probing places test frames on air and takes up to several seconds. A [BudgetCache] records the
// outcome of a probe for each adapter and advertising configuration so that short-lived programs,
// such as command-line tools, can adopt the previous result instead. If the cached budget is
// outdated (e.g., because the adapter firmware changed), then transmissions fail and the client
// should probe again. Entries older than the maximum age passed to [BudgetCache.Get] are ignored.
//
// The same BudgetCache may safely be used with several adapters.
package cache
