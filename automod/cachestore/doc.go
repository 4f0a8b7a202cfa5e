// Automod component for caching arbitrary data (as JSON strings) with a per-entry TTL and purging.
//
// Includes an interface and implementations using redis, memcached and in-process memory.
//
// The processor uses this for cache-aside execution results, and moderation nodes use it for short-lived lookups such as forum duplicate fingerprints.
package cachestore
