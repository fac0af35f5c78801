package sim

// Pin is one of the chip's control inputs. It implements gpio.Pin.
type Pin struct {
	chip  *Chip
	reset bool
}

// SetOutput implements gpio.Pin.
func (p *Pin) SetOutput() error {
	p.chip.mu.Lock()
	defer p.chip.mu.Unlock()
	if !p.reset {
		p.chip.bootDriven = true
	}
	return nil
}

// SetInput implements gpio.Pin. A released BOOT-SELECT reads high through
// its pull-up.
func (p *Pin) SetInput() error {
	p.chip.mu.Lock()
	defer p.chip.mu.Unlock()
	if p.reset {
		if p.chip.resetLow {
			p.chip.resetLow = false
			p.chip.boot()
		}
		return nil
	}
	p.chip.bootDriven = false
	p.chip.bootLow = false
	return nil
}

// Set implements gpio.Pin.
func (p *Pin) Set(high bool) error {
	p.chip.mu.Lock()
	defer p.chip.mu.Unlock()

	if !p.reset {
		p.chip.bootDriven = true
		p.chip.bootLow = !high
		return nil
	}
	wasLow := p.chip.resetLow
	p.chip.resetLow = !high
	if wasLow && high {
		p.chip.boot()
	}
	if !high {
		p.chip.running = false
	}
	return nil
}
