package cache

type hitResult[T any] struct {
	data    T
	valid   bool
	claimed bool
}

type Cache[T any] interface {
	getOrClaim(key string) hitResult[T]
	set(key string, data T)
	delete(key string)
	wait()
}

// Evict drops the entry for key, forcing the next GetOrCreate to create it again
func Evict[T any](cache Cache[T], key string) {
	cache.delete(key)
}
