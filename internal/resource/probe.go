package resource

import "fmt"

// ProbeKind selects the populated variant of a ProbeSpec.
type ProbeKind string

const (
	ProbeHTTPGet   ProbeKind = "http_get"
	ProbeTCPSocket ProbeKind = "tcp_socket"
	ProbeGRPC      ProbeKind = "grpc"
)

// ProbeSpec is a tagged variant: exactly one of HTTPGet, TCPSocket, GRPC is
// set and it matches Kind.
type ProbeSpec struct {
	Kind      ProbeKind
	HTTPGet   *HTTPGetAction
	TCPSocket *TCPSocketAction
	GRPC      *GRPCAction

	FailureThreshold    int
	InitialDelaySeconds int
	TimeoutSeconds      int
	PeriodSeconds       int
}

type HTTPGetAction struct {
	Path    string
	Headers []NameValue
}

type TCPSocketAction struct {
	Port int
}

type GRPCAction struct {
	Port    int
	Service string
}

// HTTPGetProbe builds an http_get probe variant.
func HTTPGetProbe(path string) *ProbeSpec {
	return &ProbeSpec{Kind: ProbeHTTPGet, HTTPGet: &HTTPGetAction{Path: path}}
}

// TCPSocketProbe builds a tcp_socket probe variant.
func TCPSocketProbe(port int) *ProbeSpec {
	return &ProbeSpec{Kind: ProbeTCPSocket, TCPSocket: &TCPSocketAction{Port: port}}
}

// GRPCProbe builds a grpc probe variant.
func GRPCProbe(port int, service string) *ProbeSpec {
	return &ProbeSpec{Kind: ProbeGRPC, GRPC: &GRPCAction{Port: port, Service: service}}
}

// Validate checks the variant invariant. startup permits tcp_socket.
func (p *ProbeSpec) Validate(field string, startup bool) error {
	if p == nil {
		return nil
	}
	populated := 0
	if p.HTTPGet != nil {
		populated++
	}
	if p.TCPSocket != nil {
		populated++
	}
	if p.GRPC != nil {
		populated++
	}
	if populated != 1 {
		return Invalid(field, "exactly one probe variant must be set, got %d", populated)
	}
	switch p.Kind {
	case ProbeHTTPGet:
		if p.HTTPGet == nil {
			return Invalid(field, "kind %q without http_get action", p.Kind)
		}
	case ProbeTCPSocket:
		if p.TCPSocket == nil {
			return Invalid(field, "kind %q without tcp_socket action", p.Kind)
		}
		if !startup {
			return Invalid(field, "tcp_socket is only supported for startup probes")
		}
	case ProbeGRPC:
		if p.GRPC == nil {
			return Invalid(field, "kind %q without grpc action", p.Kind)
		}
	default:
		return Invalid(field, "unknown probe kind %q", p.Kind)
	}
	timings := []struct {
		name  string
		value int
	}{
		{"failure_threshold", p.FailureThreshold},
		{"initial_delay_seconds", p.InitialDelaySeconds},
		{"timeout_seconds", p.TimeoutSeconds},
		{"period_seconds", p.PeriodSeconds},
	}
	for _, t := range timings {
		if t.value < 0 {
			return Invalid(fmt.Sprintf("%s.%s", field, t.name), "must not be negative")
		}
	}
	return nil
}
