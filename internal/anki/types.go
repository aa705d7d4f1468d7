package anki

// request is the AnkiConnect envelope. Every call carries the same shape:
// an action name, the protocol version, and action-specific params.
type request struct {
	Action  string `json:"action"`
	Version int    `json:"version"`
	Params  any    `json:"params,omitempty"`
}

// response is the AnkiConnect result envelope. Error is a string message or
// null; Result is action-specific and decoded by the caller.
type response struct {
	Result any     `json:"result"`
	Error  *string `json:"error"`
}

// cardInfo mirrors the per-card object returned by the cardsInfo action.
type cardInfo struct {
	CardID    int64                `json:"cardId"`
	NoteID    int64                `json:"note"`
	DeckName  string               `json:"deckName"`
	ModelName string               `json:"modelName"`
	Queue     int                  `json:"queue"`
	Due       int                  `json:"due"`
	Interval  int                  `json:"interval"`
	Factor    int                  `json:"factor"`
	Reps      int                  `json:"reps"`
	Lapses    int                  `json:"lapses"`
	Fields    map[string]fieldInfo `json:"fields"`
}

// fieldInfo is the {value, order} pair cardsInfo uses for note fields.
type fieldInfo struct {
	Value string `json:"value"`
	Order int    `json:"order"`
}

// noteInfo mirrors the per-note object returned by notesInfo.
type noteInfo struct {
	NoteID int64                `json:"noteId"`
	Fields map[string]fieldInfo `json:"fields"`
}

type findCardsParams struct {
	Query string `json:"query"`
}

type cardsParams struct {
	Cards []int64 `json:"cards"`
}

type answerCardsParams struct {
	Answers []cardAnswer `json:"answers"`
}

type cardAnswer struct {
	CardID int64 `json:"cardId"`
	Ease   int   `json:"ease"`
}

type notesInfoParams struct {
	Notes []int64 `json:"notes"`
}

type updateNoteFieldsParams struct {
	Note noteFieldsUpdate `json:"note"`
}

type noteFieldsUpdate struct {
	ID     int64             `json:"id"`
	Fields map[string]string `json:"fields"`
}

type storeMediaParams struct {
	Filename string `json:"filename"`
	Data     string `json:"data"`
}

type retrieveMediaParams struct {
	Filename string `json:"filename"`
}
