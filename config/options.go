package config

// Logger is the package-wide logging seam: every cache/engine component
// accepts an optional Logger, nil-safe via each type's private log()
// helper, so library code never depends on logrus directly.
type Logger interface {
	Printf(format string, v ...interface{})
}

// ServerOption configures a server instance via the functional-options
// pattern.
type ServerOption func(*ServerOptions)

// ServerOptions is the option set a cmd/ binary assembles before
// constructing the engine's server type.
type ServerOptions struct {
	Config *Config
	Logger Logger
}

// WithConfig overrides the default configuration.
func WithConfig(c *Config) ServerOption {
	return func(o *ServerOptions) { o.Config = c }
}

// WithLogger attaches a Logger; passing nil is equivalent to omitting
// the option (logging stays disabled).
func WithLogger(l Logger) ServerOption {
	return func(o *ServerOptions) { o.Logger = l }
}

// NewServerOptions applies opts over a Default() configuration and no
// logger, the common entry point cmd/ binaries call before handing the
// result to the server constructor.
func NewServerOptions(opts ...ServerOption) *ServerOptions {
	o := &ServerOptions{Config: Default()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
