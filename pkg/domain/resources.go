package domain

// Capacity is an amount of cpu cores, memory GB and gpus
type Capacity struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
	GPU    int     `json:"gpu"`
}

// Fits reports whether req fits in c on every dimension
func (c Capacity) Fits(req ResourceRequirement) bool {
	return req.CPU <= c.CPU && req.Memory <= c.Memory && req.GPU <= c.GPU
}

// ResourceUsage is a snapshot of the resource manager
type ResourceUsage struct {
	Total        Capacity `json:"total"`
	Committed    Capacity `json:"committed"`
	Reservations int      `json:"reservations"`
}

// Available returns the capacity not currently committed
func (u ResourceUsage) Available() Capacity {
	return Capacity{
		CPU:    u.Total.CPU - u.Committed.CPU,
		Memory: u.Total.Memory - u.Committed.Memory,
		GPU:    u.Total.GPU - u.Committed.GPU,
	}
}

// Utilization returns the committed fraction per dimension
func (u ResourceUsage) Utilization() map[string]float64 {
	return map[string]float64{
		"cpu":    ratio(u.Committed.CPU, u.Total.CPU),
		"memory": ratio(u.Committed.Memory, u.Total.Memory),
		"gpu":    ratio(float64(u.Committed.GPU), float64(u.Total.GPU)),
	}
}

func ratio(used, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return used / total
}
