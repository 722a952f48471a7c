// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prompt renders the ordered instruction layers sent to the model
// for answering and for summarizing a conversation.
package prompt

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/tmc/langchaingo/prompts"
)

// Final human layers.
const (
	AnswerInstruction    = "Answer the question."
	SummarizeInstruction = "Summarize the conversation."
)

const summaryTemplate = `Conversation summary:

<summary>{{.summary}}</summary>

This summary captures the main points of the conversation so far.

Guidelines:
1. Use the summary for background when it helps; it is not always needed.
2. Stay consistent with what was already said without repeating it.
3. Treat a new topic on its own terms, separately from the summary.`

const recentMessagesTemplate = `Recent conversation history:

<messages>{{.messages}}</messages>

Guidelines:
1. When the user refers back to the last answer, asks for more detail, or says they are confused, use this history to work out what they mean. If unsure, assume they mean the last message.
2. When a new topic comes up, answer it on its own without leaning on the history.
3. Keep the tone consistent with the conversation so far.`

const answerTemplate = `Always format the response as Markdown (headings, lists, code blocks) where it helps.
Reply in the language the question was asked in.

Information available for the answer:

<context>{{.context}}</context>

User question:
<question>{{.question}}</question>

Instructions:
1. Answer clearly and precisely from the information above. Do not mention that you were given context.
2. If the information is not enough, say so and suggest how the user could get a better answer.
3. Keep a warm, professional tone.
4. Do not repeat the question or add unrelated material.
5. Use your own knowledge only where it bears directly on the topic.`

const summarizationTemplate = `Previous conversation summary:

<summary>{{.summary}}</summary>

Recent messages:
<messages>{{.messages}}</messages>

Instructions for the updated summary:
1. Find the important topics, details and changes in the previous summary and the recent messages.
2. Merge the new points into the summary in order.
3. Keep it short but complete, without repetition.
4. Make sure it reflects how the conversation developed.
5. Write for a language model: explicit and structured rather than conversational.`

// Assembler builds prompt layers from conversation state.
//
// # Description
//
// Build produces the answer prompt, in this order:
//
//  1. summary layer (system), only when a summary exists
//  2. recent history layer (system)
//  3. context and question layer (system), local documents before web
//  4. "Answer the question." (human)
//
// Rendering is deterministic: identical state yields identical layers.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type Assembler struct {
	summary        prompts.PromptTemplate
	recentMessages prompts.PromptTemplate
	answer         prompts.PromptTemplate
	summarization  prompts.PromptTemplate
}

// NewAssembler returns an Assembler with the built-in templates.
func NewAssembler() *Assembler {
	return &Assembler{
		summary:        prompts.NewPromptTemplate(summaryTemplate, []string{"summary"}),
		recentMessages: prompts.NewPromptTemplate(recentMessagesTemplate, []string{"messages"}),
		answer:         prompts.NewPromptTemplate(answerTemplate, []string{"context", "question"}),
		summarization:  prompts.NewPromptTemplate(summarizationTemplate, []string{"summary", "messages"}),
	}
}

// Build returns the answer prompt layers for state's current turn.
func (a *Assembler) Build(state *datatypes.ConversationState) ([]datatypes.Message, error) {
	layers := make([]datatypes.Message, 0, 4)

	if state.Summary != "" {
		text, err := a.summary.Format(map[string]any{"summary": state.Summary})
		if err != nil {
			return nil, fmt.Errorf("render summary layer: %w", err)
		}
		layers = append(layers, datatypes.SystemMessage(text))
	}

	text, err := a.recentMessages.Format(map[string]any{"messages": RenderHistory(state.History)})
	if err != nil {
		return nil, fmt.Errorf("render history layer: %w", err)
	}
	layers = append(layers, datatypes.SystemMessage(text))

	merged := MergeContext(state.Turn.LocalContext, state.Turn.WebContext)
	text, err = a.answer.Format(map[string]any{
		"context":  RenderDocuments(merged),
		"question": state.Turn.Question,
	})
	if err != nil {
		return nil, fmt.Errorf("render answer layer: %w", err)
	}
	layers = append(layers, datatypes.SystemMessage(text))

	layers = append(layers, datatypes.HumanMessage(AnswerInstruction))
	return layers, nil
}

// BuildSummarization returns the layers asking the model to fold the
// current history into the running summary.
func (a *Assembler) BuildSummarization(state *datatypes.ConversationState) ([]datatypes.Message, error) {
	text, err := a.summarization.Format(map[string]any{
		"summary":  state.Summary,
		"messages": RenderHistory(state.History),
	})
	if err != nil {
		return nil, fmt.Errorf("render summarization layer: %w", err)
	}
	return []datatypes.Message{
		datatypes.SystemMessage(text),
		datatypes.HumanMessage(SummarizeInstruction),
	}, nil
}

// MergeContext concatenates local then web documents into a new slice.
func MergeContext(local, web []datatypes.RetrievedDocument) []datatypes.RetrievedDocument {
	merged := make([]datatypes.RetrievedDocument, 0, len(local)+len(web))
	merged = append(merged, local...)
	return append(merged, web...)
}

// RenderHistory writes one "role: content" line per message.
func RenderHistory(history []datatypes.Message) string {
	var b strings.Builder
	for i, m := range history {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

// RenderDocuments numbers documents from 1 and labels each with its source
// when known.
func RenderDocuments(docs []datatypes.RetrievedDocument) string {
	var b strings.Builder
	for i, d := range docs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if src := d.Source(); src != "" {
			fmt.Fprintf(&b, "[Document %d | %s]\n", i+1, src)
		} else {
			fmt.Fprintf(&b, "[Document %d]\n", i+1)
		}
		b.WriteString(d.Content)
	}
	return b.String()
}
