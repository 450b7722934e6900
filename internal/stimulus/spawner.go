package stimulus

// Spawner 决定工作单元在哪里运行。默认每个事件一个协程；
// broker 监听器的并发上限由 prefetch 决定，而不是这里。
type Spawner interface {
	Spawn(fn func())
}

// GoroutineSpawner 为每个工作单元启动一个新协程。
type GoroutineSpawner struct{}

// Spawn 实现 Spawner。
func (GoroutineSpawner) Spawn(fn func()) {
	go fn()
}

// PoolSpawner 限制同时运行的工作单元数量，满额时 Spawn 会阻塞探测器。
type PoolSpawner struct {
	slots chan struct{}
}

// NewPoolSpawner 创建容量为 size 的 PoolSpawner，size <= 0 时按 1 处理。
func NewPoolSpawner(size int) *PoolSpawner {
	if size <= 0 {
		size = 1
	}
	return &PoolSpawner{slots: make(chan struct{}, size)}
}

// Spawn 实现 Spawner。
func (p *PoolSpawner) Spawn(fn func()) {
	p.slots <- struct{}{}
	go func() {
		defer func() { <-p.slots }()
		fn()
	}()
}
