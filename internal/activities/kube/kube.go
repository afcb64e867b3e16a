// Package kube implements the Kubernetes half of the activity catalog
// (spec §4.7 C11): one-shot, imperative calls against a typed
// k8s.io/client-go clientset. There is no watch/reconcile loop here — spec
// §2 describes activities as single at-least-once calls the engine retries
// on InfraError, which is exactly what an imperative Get/Create/Delete call
// against the API server gives for free; a controller-runtime
// watch+informer cache (as the teacher used for its MCP server resources)
// would add a second, competing notion of eventual consistency on top of
// the engine's own retry loop, so this package deliberately stays with
// client-go's typed clientsets instead (see DESIGN.md).
package kube

import (
	"context"
	"encoding/json"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"

	"github.com/affandar/toygres/internal/activities"
	"github.com/affandar/toygres/internal/activityworker"
	"github.com/affandar/toygres/internal/lifecycle"
	"github.com/affandar/toygres/pkg/errs"
	"github.com/affandar/toygres/pkg/logging"
)

const (
	defaultPostgresVersion = "16"
	defaultStorageSizeGB   = 10
	defaultPassword        = "toygres"
)

// clientServiceSuffix names the client-facing Service distinct from the
// StatefulSet's governing (headless) Service: the governing Service exists
// only so the StatefulSet's pods get stable DNS identity and must stay
// ClusterIP: None, so LB/external-IP support (spec §1, §4.5.1 step 4) needs
// its own Service object.
const clientServiceSuffix = "-client"

// Catalog implements the Kubernetes activities against one namespace of one
// cluster (spec §6 kube.namespace/kube.region).
type Catalog struct {
	clientset kubernetes.Interface
	namespace string
}

// New wraps an already-built typed clientset (kubernetes.NewForConfig
// against rest.InClusterConfig or a kubeconfig, built by cmd's server
// command).
func New(clientset kubernetes.Interface, namespace string) *Catalog {
	return &Catalog{clientset: clientset, namespace: namespace}
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}

func resourceMustParse(quantity string) resource.Quantity {
	return resource.MustParse(quantity)
}

// RegisterAll adds every Kubernetes activity to reg under the names
// internal/activities declares.
func (c *Catalog) RegisterAll(reg *activityworker.Registry) {
	reg.Register(activities.DeployPostgres, c.DeployPostgres)
	reg.Register(activities.WaitReady, c.WaitReady)
	reg.Register(activities.GetConnectionEndpoint, c.GetConnectionEndpoint)
	reg.Register(activities.DeletePostgres, c.DeletePostgres)
}

func withDefaults(in lifecycle.CreateInstanceInput) lifecycle.CreateInstanceInput {
	if in.PostgresVersion == "" {
		in.PostgresVersion = defaultPostgresVersion
	}
	if in.StorageSizeGB <= 0 {
		in.StorageSizeGB = defaultStorageSizeGB
	}
	if in.Password == "" {
		in.Password = defaultPassword
	}
	return in
}

// DeployPostgres creates the StatefulSet/Service/PVC set backing one
// instance, matching lifecycle.CreateInstanceInput's k8s_name. A second,
// client-facing Service is created alongside the StatefulSet's governing
// Service so GetConnectionEndpoint can hand back both an IP-addressed and a
// DNS-addressed connection string (spec §8 scenario 1); when
// use_load_balancer is set, that client Service is provisioned as a
// LoadBalancer rather than ClusterIP (spec §1).
func (c *Catalog) DeployPostgres(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	in, err := decode[lifecycle.CreateInstanceInput](raw)
	if err != nil {
		return nil, errs.App(fmt.Errorf("kube: decode input: %w", err))
	}
	in = withDefaults(in)

	governing := c.buildGoverningService(in.K8sName)
	if _, err := c.clientset.CoreV1().Services(c.namespace).Create(ctx, governing, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return nil, errs.Infra(fmt.Errorf("kube: create governing service: %w", err))
	}

	client := c.buildClientService(in.K8sName, in.UseLoadBalancer)
	if _, err := c.clientset.CoreV1().Services(c.namespace).Create(ctx, client, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return nil, errs.Infra(fmt.Errorf("kube: create client service: %w", err))
	}

	sts := c.buildStatefulSet(in)
	if _, err := c.clientset.AppsV1().StatefulSets(c.namespace).Create(ctx, sts, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return nil, errs.Infra(fmt.Errorf("kube: create statefulset: %w", err))
	}

	logging.Info("kube", "deployed postgres resources for %s", in.K8sName)
	return json.Marshal(map[string]string{"k8s_name": in.K8sName})
}

// WaitReady polls the StatefulSet's ready replica count. A still-starting
// instance (ReadyReplicas==0, no failure condition) is an InfraError so the
// engine retries per waitReadyRetry; a pod in phase Failed or a container
// in CrashLoopBackOff is an AppError so the engine stops retrying
// immediately (spec §8 open question decision).
func (c *Catalog) WaitReady(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	in, err := decode[lifecycle.CreateInstanceInput](raw)
	if err != nil {
		return nil, errs.App(fmt.Errorf("kube: decode input: %w", err))
	}

	sts, err := c.clientset.AppsV1().StatefulSets(c.namespace).Get(ctx, in.K8sName, metav1.GetOptions{})
	if err != nil {
		return nil, errs.Infra(fmt.Errorf("kube: get statefulset: %w", err))
	}

	if sts.Status.ReadyReplicas >= 1 {
		return json.Marshal(map[string]bool{"ready": true})
	}

	pods, err := c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "app=" + in.K8sName,
	})
	if err != nil {
		return nil, errs.Infra(fmt.Errorf("kube: list pods: %w", err))
	}
	for _, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodFailed {
			return nil, errs.App(fmt.Errorf("kube: pod %s failed: %s", pod.Name, pod.Status.Message))
		}
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.State.Waiting != nil && cs.State.Waiting.Reason == "CrashLoopBackOff" {
				return nil, errs.App(fmt.Errorf("kube: pod %s crash-looping: %s", pod.Name, cs.State.Waiting.Message))
			}
		}
	}

	return nil, errs.Infra(fmt.Errorf("kube: statefulset %s not yet ready", in.K8sName))
}

// ConnectionEndpoints is GetConnectionEndpoint's result: connection_endpoint
// is the internal host:port TestConnection/CMS dial against; the other two
// are the client-facing strings spec §3/§8 scenario 1 expect a caller to
// receive back from CreateInstance.
type ConnectionEndpoints struct {
	ConnectionEndpoint  string `json:"connection_endpoint"`
	IPConnectionString  string `json:"ip_connection_string"`
	DNSConnectionString string `json:"dns_connection_string"`
	ExternalIP          string `json:"external_ip,omitempty"`
}

// GetConnectionEndpoint returns both the in-cluster DNS endpoint for the
// instance's governing Service and the client-facing endpoint for its
// client Service — a ClusterIP, or a LoadBalancer ingress IP/hostname when
// use_load_balancer was requested (spec §1, §4.5.1 step 4).
func (c *Catalog) GetConnectionEndpoint(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	in, err := decode[lifecycle.CreateInstanceInput](raw)
	if err != nil {
		return nil, errs.App(fmt.Errorf("kube: decode input: %w", err))
	}

	governing, err := c.clientset.CoreV1().Services(c.namespace).Get(ctx, in.K8sName, metav1.GetOptions{})
	if err != nil {
		return nil, errs.Infra(fmt.Errorf("kube: get governing service: %w", err))
	}
	dnsName := fmt.Sprintf("%s.%s.svc.cluster.local:5432", governing.Name, c.namespace)

	client, err := c.clientset.CoreV1().Services(c.namespace).Get(ctx, in.K8sName+clientServiceSuffix, metav1.GetOptions{})
	if err != nil {
		return nil, errs.Infra(fmt.Errorf("kube: get client service: %w", err))
	}

	var ipAddr, externalIP string
	if in.UseLoadBalancer {
		if len(client.Status.LoadBalancer.Ingress) == 0 {
			return nil, errs.Infra(fmt.Errorf("kube: load balancer for %s has no ingress yet", in.K8sName))
		}
		ing := client.Status.LoadBalancer.Ingress[0]
		externalIP = ing.IP
		if externalIP == "" {
			externalIP = ing.Hostname
		}
		ipAddr = externalIP
	} else {
		ipAddr = client.Spec.ClusterIP
	}

	out := ConnectionEndpoints{
		ConnectionEndpoint:  dnsName,
		IPConnectionString:  fmt.Sprintf("postgres://%s:5432", ipAddr),
		DNSConnectionString: fmt.Sprintf("postgres://%s", dnsName),
		ExternalIP:          externalIP,
	}
	return json.Marshal(out)
}

// DeletePostgres removes the StatefulSet/Service/PVC set. Idempotent: a
// not-found response from any delete call is treated as success.
func (c *Catalog) DeletePostgres(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	in, err := decode[lifecycle.DeleteInstanceInput](raw)
	if err != nil {
		return nil, errs.App(fmt.Errorf("kube: decode input: %w", err))
	}

	if err := c.clientset.AppsV1().StatefulSets(c.namespace).Delete(ctx, in.K8sName, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return nil, errs.Infra(fmt.Errorf("kube: delete statefulset: %w", err))
	}
	if err := c.clientset.CoreV1().Services(c.namespace).Delete(ctx, in.K8sName+clientServiceSuffix, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return nil, errs.Infra(fmt.Errorf("kube: delete client service: %w", err))
	}
	if err := c.clientset.CoreV1().Services(c.namespace).Delete(ctx, in.K8sName, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return nil, errs.Infra(fmt.Errorf("kube: delete governing service: %w", err))
	}
	if err := c.clientset.CoreV1().PersistentVolumeClaims(c.namespace).Delete(ctx, "data-"+in.K8sName+"-0", metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return nil, errs.Infra(fmt.Errorf("kube: delete pvc: %w", err))
	}

	logging.Info("kube", "deleted postgres resources for %s", in.K8sName)
	return json.Marshal(map[string]string{"k8s_name": in.K8sName})
}

// buildGoverningService is the headless Service (ClusterIP: None) the
// StatefulSet needs for its pods' stable per-replica DNS identity. It is
// never the client-facing endpoint.
func (c *Catalog) buildGoverningService(name string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: c.namespace, Labels: map[string]string{"app": name}},
		Spec: corev1.ServiceSpec{
			Selector:  map[string]string{"app": name},
			ClusterIP: corev1.ClusterIPNone,
			Ports:     []corev1.ServicePort{{Name: "postgres", Port: 5432, TargetPort: intstr.FromInt(5432)}},
		},
	}
}

// buildClientService is the Service a caller actually connects through:
// ClusterIP by default, LoadBalancer when the instance asked for a public
// address (spec §1).
func (c *Catalog) buildClientService(name string, useLB bool) *corev1.Service {
	svcType := corev1.ServiceTypeClusterIP
	if useLB {
		svcType = corev1.ServiceTypeLoadBalancer
	}
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name + clientServiceSuffix, Namespace: c.namespace, Labels: map[string]string{"app": name}},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{"app": name},
			Type:     svcType,
			Ports:    []corev1.ServicePort{{Name: "postgres", Port: 5432, TargetPort: intstr.FromInt(5432)}},
		},
	}
}

func (c *Catalog) buildStatefulSet(in lifecycle.CreateInstanceInput) *appsv1.StatefulSet {
	replicas := int32(1)
	storageRequest := resourceMustParse(fmt.Sprintf("%dGi", in.StorageSizeGB))
	labels := map[string]string{"app": in.K8sName}

	return &appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{Name: in.K8sName, Namespace: c.namespace, Labels: labels},
		Spec: appsv1.StatefulSetSpec{
			ServiceName: in.K8sName,
			Replicas:    &replicas,
			Selector:    &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:  "postgres",
						Image: "postgres:" + in.PostgresVersion,
						Ports: []corev1.ContainerPort{{ContainerPort: 5432}},
						Env: []corev1.EnvVar{
							{Name: "POSTGRES_PASSWORD", Value: in.Password},
						},
						VolumeMounts: []corev1.VolumeMount{{Name: "data", MountPath: "/var/lib/postgresql/data"}},
						ReadinessProbe: &corev1.Probe{
							ProbeHandler: corev1.ProbeHandler{
								Exec: &corev1.ExecAction{Command: []string{"pg_isready", "-U", "postgres"}},
							},
						},
					}},
				},
			},
			VolumeClaimTemplates: []corev1.PersistentVolumeClaim{{
				ObjectMeta: metav1.ObjectMeta{Name: "data"},
				Spec: corev1.PersistentVolumeClaimSpec{
					AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
					Resources: corev1.VolumeResourceRequirements{
						Requests: corev1.ResourceList{corev1.ResourceStorage: storageRequest},
					},
				},
			}},
		},
	}
}
