package mmio

// OnWrite installs a callback invoked after every Write32, with the
// register offset and the value written. It exists so a simulated
// controller (internal/sim) can react to doorbell and CC writes the same
// way real hardware reacts to them, without the driver-facing Window API
// knowing anything about simulation.
func (w *Window) OnWrite(fn func(offset int, value uint32)) {
	w.onWrite = fn
}
