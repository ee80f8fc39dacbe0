package machine

// Machine ties the emulated hardware together: RAM, the CPU, the port
// bus and the legacy device set, wired the way a PC wires them.
type Machine struct {
	Mem      *PhysicalMemory
	CPU      *CPU
	Bus      *Bus
	PIC      *PIC
	PIT      *PIT
	UART     *UART
	VGA      *VGA
	Keyboard *Keyboard
}

// New builds a machine with memSize bytes of RAM and every device on the
// bus.
func New(memSize uint32) *Machine {
	m := &Machine{
		Mem: NewPhysicalMemory(memSize),
		CPU: NewCPU(),
		Bus: NewBus(),
		PIC: NewPIC(),
	}

	m.PIT = NewPIT(func() { m.PIC.RaiseIRQ(0) })
	m.UART = NewUART(COM1Base)
	m.VGA = NewVGA(m.Mem)
	m.Keyboard = NewKeyboard(func() { m.PIC.RaiseIRQ(1) })

	m.Bus.Register(m.PIC, PICMasterCmd, PICMasterData, PICSlaveCmd, PICSlaveData)
	m.Bus.Register(m.PIT, PITChannel0, 0x41, 0x42, PITCommand)
	m.Bus.Register(m.UART, m.UART.Ports()...)
	m.Bus.Register(m.VGA, VGACRTCIndex, VGACRTCData)
	m.Bus.Register(m.Keyboard, KeyboardData, KeyboardStatus)

	return m
}

// PendingVector returns the next interrupt vector to deliver, if the CPU
// accepts interrupts and the PIC has an unmasked request. Acknowledging
// wakes a halted CPU.
func (m *Machine) PendingVector() (uint8, bool) {
	if !m.CPU.InterruptsEnabled() {
		return 0, false
	}
	vec, ok := m.PIC.PendingVector()
	if ok {
		m.CPU.Wake()
	}
	return vec, ok
}

// TimerPulse advances the PIT by one period, raising IRQ0 when the timer
// has been programmed.
func (m *Machine) TimerPulse() {
	m.PIT.Pulse()
}
