package hazard

// recordIterator walks the registry list from the head observed when it was created.
// Records published later are not visited, records are never removed so the walk is always valid.
type recordIterator struct {
	cur, next uintptr
}

func (reg *registry) iterator() recordIterator {
	return recordIterator{next: reg.head.Load()}
}

func (it *recordIterator) Next() bool {
	if it.next == 0 {
		return false
	}
	it.cur = it.next
	it.next = recordAt(it.cur).next
	return true
}

func (it *recordIterator) record() *record {
	return recordAt(it.cur)
}

// A HazardIterator enumerates the hazard slots currently protecting an address.
// Values are read atomically one slot at a time, so the result is a snapshot per slot, not a consistent
// snapshot of the whole registry.
//
//	it := hp.NewHazardIterator()
//	for it.Next() {
//	  fmt.Println(it.Handle(), it.Slot(), it.Value())
//	}
type HazardIterator struct {
	records recordIterator
	slots   int

	rec   *record
	slot  int
	value uintptr
}

// NewHazardIterator returns an iterator over all published hazards.
// The iterator of a closed instance is empty.
func (p *Pointers) NewHazardIterator() *HazardIterator {
	it := &HazardIterator{
		slots: p.reg.slots,
		slot:  p.reg.slots,
	}
	if !p.closed() {
		it.records = p.reg.iterator()
	}
	return it
}

// Next advances to the next slot holding an address. It returns false when all records have been visited.
func (it *HazardIterator) Next() bool {
	for {
		it.slot++
		if it.rec == nil || it.slot >= it.slots {
			if !it.records.Next() {
				it.rec, it.value = nil, 0
				return false
			}
			it.rec, it.slot = it.records.record(), 0
		}
		if it.value = it.rec.slot(it.slot).Load(); it.value != 0 {
			return true
		}
	}
}

// Handle returns the id of the handle owning the current slot.
func (it *HazardIterator) Handle() int {
	return int(it.rec.id)
}

// Slot returns the index of the current slot within its handle.
func (it *HazardIterator) Slot() int {
	return it.slot
}

// Value returns the protected address.
func (it *HazardIterator) Value() uintptr {
	return it.value
}
