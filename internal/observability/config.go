package observability

// Config holds opt-in observability switches threaded into the HTTP layer.
type Config struct {
	EnablePprofTrace bool
}
