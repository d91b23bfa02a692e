package interp

// teardown waits for the GPU and destroys every native object in
// dependency order: per-frame bind groups, views, textures and buffers,
// pipelines with their static bind groups, layouts, shader modules,
// encoders, then the surface, device and instance.
func (it *Interpreter) teardown() {
	it.log.Info("interpreter shutting down", "frames", it.frames)
	if it.frame.pass != nil {
		it.frame.pass.End()
		it.frame.pass = nil
	}
	if err := it.ring.Drain(); err != nil {
		it.log.Error("waiting for the GPU during shutdown", "err", err)
	}
	if err := it.gpu.device.WaitIdle(); err != nil {
		it.log.Error("device idle wait failed", "err", classify(err))
	}

	it.ring.ReleaseBindGroups()
	it.ring.ReleaseViews()
	it.ring.ReleaseScratch()
	it.resources.Destroy()
	it.pipelines.Destroy()
	it.ring.Destroy()
	it.gpu.destroy()

	if it.watcher != nil {
		if err := it.watcher.Close(); err != nil {
			it.log.Warn("closing shader watcher", "err", err)
		}
		it.watcher = nil
	}
	it.tracker.Reset()
	it.frame = frameState{}
	it.gpu = nil
}
