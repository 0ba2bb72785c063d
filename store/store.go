// Package store provides key-value backends for the reading cache.
//
// Every backend follows the same contract: Get returns (nil, nil) for a
// missing key, Set replaces the value atomically from the reader's
// perspective, and Delete of a missing key is not an error. The parent
// package accepts any of them through its Store interface.
package store
