package cache

import "fmt"

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

func ReleaseMetaKey(name, version string) string {
	return fmt.Sprintf("pypi:release:%s:%s", name, version)
}
