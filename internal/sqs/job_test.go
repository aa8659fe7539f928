package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

type mockSQS struct {
	sent       []*sqs.SendMessageInput
	sendErr    error
	messages   []types.Message
	deleted    []string
	visibility map[string]int32
}

func (m *mockSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil
}

func (m *mockSQS) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if len(m.messages) == 0 {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	msg := m.messages[0]
	m.messages = m.messages[1:]
	return &sqs.ReceiveMessageOutput{Messages: []types.Message{msg}}, nil
}

func (m *mockSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.deleted = append(m.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (m *mockSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	if m.visibility == nil {
		m.visibility = make(map[string]int32)
	}
	m.visibility[aws.ToString(in.ReceiptHandle)] = in.VisibilityTimeout
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func TestEnqueueFillsJobAndSends(t *testing.T) {
	mock := &mockSQS{}
	p := NewProducer(mock, "https://sqs.local/dispatch", zap.NewNop())

	job := &Job{
		AnnouncementID: "ann-1",
		Recipients:     []db.Recipient{{ID: "u1", Email: "u1@example.com"}},
	}
	id, err := p.Enqueue(context.Background(), job)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id != "msg-1" {
		t.Errorf("message id = %q", id)
	}
	if job.JobID == "" || job.EnqueuedAt == 0 {
		t.Error("job id and enqueue time should be set")
	}

	var decoded Job
	if err := json.Unmarshal([]byte(aws.ToString(mock.sent[0].MessageBody)), &decoded); err != nil {
		t.Fatalf("body is not a job: %v", err)
	}
	if decoded.AnnouncementID != "ann-1" || len(decoded.Recipients) != 1 || decoded.Recipients[0].Email != "u1@example.com" {
		t.Errorf("unexpected job %+v", decoded)
	}
	if got := aws.ToString(mock.sent[0].MessageAttributes["announcement_id"].StringValue); got != "ann-1" {
		t.Errorf("announcement_id attribute = %q", got)
	}
}

func TestEnqueueRejectsOversizedJob(t *testing.T) {
	mock := &mockSQS{}
	p := NewProducer(mock, "q", zap.NewNop())

	recipients := make([]db.Recipient, 5000)
	for i := range recipients {
		recipients[i] = db.Recipient{ID: strings.Repeat("x", 64)}
	}

	_, err := p.Enqueue(context.Background(), &Job{AnnouncementID: "ann-1", Recipients: recipients})
	if !errors.Is(err, ErrJobTooLarge) {
		t.Fatalf("expected ErrJobTooLarge, got %v", err)
	}
	if len(mock.sent) != 0 {
		t.Error("oversized job must not be sent")
	}
}

func TestEnqueueSendError(t *testing.T) {
	p := NewProducer(&mockSQS{sendErr: errors.New("throttled")}, "q", zap.NewNop())
	if _, err := p.Enqueue(context.Background(), &Job{AnnouncementID: "ann-1"}); err == nil {
		t.Fatal("expected send error")
	}
}

func TestReceive(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantJob     bool
		wantErr     error
		wantReceipt string
	}{
		{"valid job", `{"job_id":"j1","announcement_id":"ann-1","recipients":[{"id":"u1"}]}`, true, nil, "r-1"},
		{"malformed json", `{nope`, false, ErrMalformedJob, "r-1"},
		{"missing announcement", `{"job_id":"j1"}`, false, ErrMalformedJob, "r-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockSQS{messages: []types.Message{{
				Body:          aws.String(tt.body),
				ReceiptHandle: aws.String("r-1"),
			}}}
			c := NewConsumer(mock, "q", zap.NewNop())

			job, receipt, err := c.Receive(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if (job != nil) != tt.wantJob {
				t.Fatalf("job = %+v, wantJob %v", job, tt.wantJob)
			}
			if receipt != tt.wantReceipt {
				t.Errorf("receipt = %q, want %q", receipt, tt.wantReceipt)
			}
		})
	}
}

func TestReceiveEmptyPoll(t *testing.T) {
	c := NewConsumer(&mockSQS{}, "q", zap.NewNop())
	job, receipt, err := c.Receive(context.Background())
	if job != nil || receipt != "" || err != nil {
		t.Errorf("empty poll = (%v, %q, %v)", job, receipt, err)
	}
}

func TestDeleteAndExtend(t *testing.T) {
	mock := &mockSQS{}
	c := NewConsumer(mock, "q", zap.NewNop())
	ctx := context.Background()

	if err := c.Delete(ctx, "r-9"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := c.ExtendVisibility(ctx, "r-9", 900); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if len(mock.deleted) != 1 || mock.deleted[0] != "r-9" {
		t.Errorf("deleted = %v", mock.deleted)
	}
	if mock.visibility["r-9"] != 900 {
		t.Errorf("visibility = %d", mock.visibility["r-9"])
	}
}
