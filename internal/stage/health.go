package stage

// Health summarizes whether a stage's collaborators are available.
type Health struct {
	Name   string
	Ready  bool
	Detail string
}

// Healthy constructs a ready Health record.
func Healthy(name string) Health {
	return Health{Name: name, Ready: true}
}

// Unhealthy constructs an unhealthy Health record with context detail.
func Unhealthy(name, detail string) Health {
	return Health{Name: name, Ready: false, Detail: detail}
}

func (h Health) String() string {
	if h.Ready {
		return h.Name + ": ready"
	}
	return h.Name + ": " + h.Detail
}
