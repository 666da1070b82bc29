package domain

// MenuOption is one reply button of the greeting menu.
type MenuOption struct {
	ID    string
	Label string
}

// Menu is the fixed interactive greeting payload.
type Menu struct {
	Body    string
	Options []MenuOption
}
