package usbhost

import mapset "github.com/deckarep/golang-set/v2"

// registry tracks every submitted transfer of a context. Entries are
// added at submit and removed by the completion trampoline, so teardown
// can find and doom whatever is still in flight. The registry holds
// non-owning references; transfer lifetime is the caller's business.
type registry struct {
	set mapset.Set[*Transfer]
}

func newRegistry() *registry {
	return &registry{set: mapset.NewSet[*Transfer]()}
}

func (r *registry) add(t *Transfer) {
	r.set.Add(t)
}

func (r *registry) remove(t *Transfer) {
	r.set.Remove(t)
}

func (r *registry) snapshot() []*Transfer {
	return r.set.ToSlice()
}

func (r *registry) len() int {
	return r.set.Cardinality()
}
