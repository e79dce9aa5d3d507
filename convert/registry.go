package convert

// DefaultRegistry wires the built-in strategy chains for the given tools.
// Chains omit the placeholder; the converter appends it.
func DefaultRegistry(tools Tools) Registry {
	size := tools.PageSize
	officeDoc := NewOffice(tools, false)
	officeSheet := NewOffice(tools, true)
	text := NewTextPage(size)

	return Registry{
		KindPDF:          {NewPassthrough()},
		KindImage:        {NewOCR(tools), NewImagePage(size)},
		KindDocument:     {officeDoc, NewDocumentText(size)},
		KindPresentation: {officeDoc},
		KindSpreadsheet:  {officeSheet, NewSpreadsheetText(size)},
		KindText:         {text},
		KindCSV:          {text},
		KindCalendar:     {text},
		KindHTML:         {NewHTMLText(size), officeDoc},
		KindMessage:      {NewMessageText(size)},
		KindOther:        nil,
	}
}
